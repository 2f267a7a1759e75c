package nerve

import (
	"math/rand/v2"
	"time"
)

// OnError selects what a step does once its retries are exhausted.
type OnError string

const (
	// OnErrorFail aborts the graph with the step's error.
	OnErrorFail OnError = "fail"
	// OnErrorSkip substitutes FallbackValue and continues.
	OnErrorSkip OnError = "skip"
	// OnErrorFallback executes FallbackNode as a sub-step.
	OnErrorFallback OnError = "fallback"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// ErrorPolicy is the per-step retry and failure disposition. The zero
// value means one attempt and fail-fast.
type ErrorPolicy struct {
	// RetryCount is the number of retries after the first attempt.
	RetryCount int
	// BackoffBase is the delay before the first retry. Each further
	// retry doubles it, capped at BackoffMax. Zero uses 500ms.
	BackoffBase time.Duration
	// BackoffMax caps the backoff curve. Zero uses 30s.
	BackoffMax time.Duration
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration
	// OnError applies after the last attempt. Empty means fail.
	OnError OnError
	// FallbackValue is the substituted output for OnErrorSkip.
	FallbackValue any
	// FallbackNode executes as a sub-step for OnErrorFallback.
	FallbackNode Node
}

// MaxAttempts returns the total attempt count, always at least one.
func (p ErrorPolicy) MaxAttempts() int {
	if p.RetryCount < 0 {
		return 1
	}
	return p.RetryCount + 1
}

// ShouldRetry reports whether another attempt remains after the given
// zero-based attempt number.
func (p ErrorPolicy) ShouldRetry(attempt int) bool {
	return attempt+1 < p.MaxAttempts()
}

// DelayForAttempt returns the sleep before retrying the given zero-based
// attempt: base doubled per attempt, capped, with up to 10% jitter.
func (p ErrorPolicy) DelayForAttempt(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	max := p.BackoffMax
	if max <= 0 {
		max = defaultBackoffMax
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(d)/10 + 1))
	d += jitter
	if d > max {
		d = max
	}
	return d
}

// Disposition returns the effective OnError, defaulting empty to fail.
func (p ErrorPolicy) Disposition() OnError {
	if p.OnError == "" {
		return OnErrorFail
	}
	return p.OnError
}
