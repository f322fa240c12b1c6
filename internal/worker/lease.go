package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/kv"
)

var leaseKey = kv.Key("lease", "queue-worker")

// Lease keeps two worker runs from overlapping. Acquire reports false when
// another run holds it; release must be called once the run is over.
type Lease interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// KVLease is a token lease on a kv key that expires after TTL, so a crashed
// run cannot hold it forever.
type KVLease struct {
	Store  kv.Store
	TTL    time.Duration
	Logger *zap.Logger
}

func (l KVLease) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.Store.SetNX(ctx, leaseKey, token, l.TTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire worker lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		// the run context may already be done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.Store.CompareAndDelete(ctx, leaseKey, token); err != nil && l.Logger != nil {
			l.Logger.Warn("failed to release worker lease", zap.Error(err))
		}
	}, true, nil
}
