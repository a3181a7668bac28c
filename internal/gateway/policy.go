package gateway

import (
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy controls retries and timeouts for one upstream
type Policy struct {
	MaxAttempts int

	// 429 waits start at RateLimitBase and double up to RateLimitMax
	RateLimitBase time.Duration
	RateLimitMax  time.Duration

	// 5xx and network waits start at TransientBase and double up to TransientMax
	TransientBase time.Duration
	TransientMax  time.Duration

	// RequestTimeout bounds a single attempt
	RequestTimeout time.Duration
}

// DefaultPolicy returns the retry policy tuned for the stats provider
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    6,
		RateLimitBase:  5 * time.Second,
		RateLimitMax:   60 * time.Second,
		TransientBase:  2 * time.Second,
		TransientMax:   30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// retryWaits tracks the backoff of one call. Rate limits and transient
// failures advance separate sequences.
type retryWaits struct {
	rateLimit backoff.BackOff
	transient backoff.BackOff
}

func (p Policy) newRetryWaits() *retryWaits {
	return &retryWaits{
		rateLimit: exponential(p.RateLimitBase, p.RateLimitMax),
		transient: exponential(p.TransientBase, p.TransientMax),
	}
}

// RateLimitWait is the pause after the next 429
func (w *retryWaits) RateLimitWait() time.Duration {
	return w.rateLimit.NextBackOff()
}

// TransientWait is the pause after the next 5xx or network error
func (w *retryWaits) TransientWait() time.Duration {
	return w.transient.NextBackOff()
}

// exponential doubles from initial up to limit without jitter and never
// gives up; the attempt count is bounded by the policy instead.
func exponential(initial, limit time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         limit,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// parseRetryAfter understands the delta-seconds form of Retry-After
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
