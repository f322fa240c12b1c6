package worker

import (
	"time"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/provider"
)

// RetryPolicy decides what happens to a job after a failed attempt.
type RetryPolicy interface {
	// Next returns the delay before the following attempt, or false when
	// the job should be dead-lettered.
	Next(job domain.Job, attempt int, err error) (time.Duration, bool)
}

// ExponentialPolicy doubles the delay per attempt up to MaxDelay and
// retries only errors the provider client classifies as retryable.
type ExponentialPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func PolicyFromSettings(s config.Settings) RetryPolicy {
	return ExponentialPolicy{MaxAttempts: s.QueueMaxAttempts, BaseDelay: s.QueueBaseDelay, MaxDelay: s.QueueMaxDelay}
}

// Delay is min(MaxDelay, BaseDelay * 2^(attempt-1)).
func (p ExponentialPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= p.MaxDelay || d > p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p ExponentialPolicy) Next(_ domain.Job, attempt int, err error) (time.Duration, bool) {
	if !provider.IsRetryable(err) || attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.Delay(attempt), true
}
