package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type item struct {
	value   string
	expires time.Time
}

// sweepInterval bounds how often a write scans the whole map for expired keys.
const sweepInterval = time.Minute

// Memory is a process-local Store. Expired keys are dropped when read and by
// a sweep that writes run at most once per sweepInterval, so keys written once
// and never read again (rate buckets, replay markers) do not accumulate.
type Memory struct {
	mu        sync.Mutex
	items     map[string]item
	now       func() time.Time
	nextSweep time.Time
}

func NewMemory() *Memory { return NewMemoryWithClock(time.Now) }

func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{items: make(map[string]item), now: now}
}

func (m *Memory) live(key string) (item, bool) {
	it, ok := m.items[key]
	if !ok {
		return item{}, false
	}
	if !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		return item{}, false
	}
	return it, true
}

// sweep drops every expired key once the sweep interval has passed. Callers
// hold mu.
func (m *Memory) sweep() {
	now := m.now()
	if now.Before(m.nextSweep) {
		return
	}
	m.nextSweep = now.Add(sweepInterval)
	for k, it := range m.items {
		if !it.expires.IsZero() && !now.Before(it.expires) {
			delete(m.items, k)
		}
	}
}

// Len returns the number of keys held, expired ones included until swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	return it.value, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	m.items[key] = item{value: value, expires: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.items[key] = item{value: value, expires: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	it, ok := m.live(key)
	if !ok {
		m.items[key] = item{value: "1", expires: m.expiry(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(it.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	it.value = strconv.FormatInt(n, 10)
	m.items[key] = it
	return n, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok || it.value != value {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
