package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcoot/clanharvest/internal/dependencies/clock"
)

const (
	slowDownFactor = 1.1
	speedUpFactor  = 0.9
)

// pacer spaces requests at least delay apart and adapts delay to how
// often the upstream has answered 429 within the recent window.
type pacer struct {
	limiter *rate.Limiter
	clock   clock.Clock

	mu         sync.Mutex
	delay      time.Duration
	minDelay   time.Duration
	maxDelay   time.Duration
	window     time.Duration
	threshold  int
	rejections []time.Time
}

func newPacer(clk clock.Clock, minDelay, maxDelay, window time.Duration, threshold int) *pacer {
	return &pacer{
		limiter:   rate.NewLimiter(every(minDelay), 1),
		clock:     clk,
		delay:     minDelay,
		minDelay:  minDelay,
		maxDelay:  max(maxDelay, minDelay),
		window:    window,
		threshold: threshold,
	}
}

func every(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// wait blocks until the next request may be sent
func (p *pacer) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// record notes the outcome of a completed request and returns the
// delay now in force.
func (p *pacer) record(rateLimited bool) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	cutoff := now.Add(-p.window)
	kept := p.rejections[:0]
	for _, t := range p.rejections {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.rejections = kept
	if rateLimited {
		p.rejections = append(p.rejections, now)
	}

	switch n := len(p.rejections); {
	case n > p.threshold:
		p.delay = min(scale(p.delay, slowDownFactor), p.maxDelay)
	case n == 0 && p.delay > p.minDelay:
		p.delay = max(scale(p.delay, speedUpFactor), p.minDelay)
	default:
		return p.delay
	}
	p.limiter.SetLimit(every(p.delay))
	return p.delay
}

func (p *pacer) current() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delay
}

func (p *pacer) recentRejections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rejections)
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}
