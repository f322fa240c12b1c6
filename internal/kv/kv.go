// Package kv holds short-lived keyed state: counters, leases, replay and
// dedup markers. Every key carries a TTL so nothing grows without bound.
package kv

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr increments a counter, starting its TTL when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	Delete(ctx context.Context, key string) error
}

const prefix = "mailq:"

// Key joins parts into a namespaced key.
func Key(parts ...string) string {
	return prefix + strings.Join(parts, ":")
}

// HashedKey namespaces kind and replaces the variable parts with their
// xxhash digest, keeping keys short for arbitrary input such as signatures.
func HashedKey(kind string, parts ...string) string {
	sum := xxhash.Sum64String(strings.Join(parts, "|"))
	return prefix + kind + ":" + strconv.FormatUint(sum, 16)
}
