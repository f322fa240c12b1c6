package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Scheduler holds the single pending "process the queue" run. Scheduling is
// earliest-wins: a later request never pushes an earlier run back.
type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time) error
	Cancel(ctx context.Context) error
	Next(ctx context.Context) (time.Time, bool, error)
	// Claim takes the pending run if it is due at now. Only one caller wins.
	Claim(ctx context.Context, now time.Time) (bool, error)
}

const (
	scheduleKey    = "mailq:schedule"
	scheduleMember = "process-queue"
)

var scheduleEarliest = r.NewScript(`
local cur = redis.call('ZSCORE', KEYS[1], ARGV[2])
if (not cur) or tonumber(ARGV[1]) < tonumber(cur) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

// RedisQ keeps the pending run in a sorted set scored by unix time.
type RedisQ struct{ rdb r.UniversalClient }

func NewRedisScheduler(rdb r.UniversalClient) *RedisQ { return &RedisQ{rdb} }

func (q *RedisQ) ScheduleAt(ctx context.Context, at time.Time) error {
	return scheduleEarliest.Run(ctx, q.rdb, []string{scheduleKey}, at.Unix(), scheduleMember).Err()
}

func (q *RedisQ) Cancel(ctx context.Context) error {
	return q.rdb.ZRem(ctx, scheduleKey, scheduleMember).Err()
}

func (q *RedisQ) Next(ctx context.Context) (time.Time, bool, error) {
	score, err := q.rdb.ZScore(ctx, scheduleKey, scheduleMember).Result()
	if errors.Is(err, r.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(int64(score), 0).UTC(), true, nil
}

func (q *RedisQ) Claim(ctx context.Context, now time.Time) (bool, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, scheduleKey, &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: 1}).Result()
	if err != nil || len(ids) == 0 {
		return false, err
	}
	n, err := q.rdb.ZRem(ctx, scheduleKey, ids[0]).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type MemoryScheduler struct {
	mu   sync.Mutex
	next *time.Time
}

func NewMemoryScheduler() *MemoryScheduler { return &MemoryScheduler{} }

func (s *MemoryScheduler) ScheduleAt(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = at.UTC().Truncate(time.Second)
	if s.next == nil || at.Before(*s.next) {
		s.next = &at
	}
	return nil
}

func (s *MemoryScheduler) Cancel(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = nil
	return nil
}

func (s *MemoryScheduler) Next(context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		return time.Time{}, false, nil
	}
	return *s.next, true, nil
}

func (s *MemoryScheduler) Claim(_ context.Context, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil || s.next.After(now) {
		return false, nil
	}
	s.next = nil
	return true, nil
}
