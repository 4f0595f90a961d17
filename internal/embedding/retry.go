package embedding

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds every provider call: at most MaxAttempts tries, exponential backoff from
// BaseDelay capped at MaxDelay with up to Jitter added or removed, each try limited to
// CallTimeout.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      250 * time.Millisecond,
		CallTimeout: 30 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

// Backoff returns a fresh backoff sequence; go-retry backoffs are stateful, so one per call.
func (p RetryPolicy) Backoff() retry.Backoff {
	p = p.normalized()
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}
