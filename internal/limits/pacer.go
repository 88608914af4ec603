package limits

import (
	"context"
	"sync"
	"time"
)

const rateWindow = time.Minute

// Pacer throttles outbound request starts to a fixed budget per minute over
// a sliding window, keeping an aggressive poller below the backend's own
// public-API rate limits. A zero or negative budget disables pacing.
type Pacer struct {
	perMinute int
	nowFn     func() time.Time

	mu     sync.Mutex
	starts []time.Time
}

func NewPacer(requestsPerMinute int) *Pacer {
	return &Pacer{
		perMinute: requestsPerMinute,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether the pacer enforces a budget.
func (p *Pacer) Enabled() bool {
	return p != nil && p.perMinute > 0
}

// Wait blocks until a request may start, or until ctx ends. Each successful
// return consumes one slot of the per-minute budget.
func (p *Pacer) Wait(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		p.mu.Lock()
		now := p.nowFn()
		p.prune(now)
		if len(p.starts) < p.perMinute {
			p.starts = append(p.starts, now)
			p.mu.Unlock()
			return nil
		}
		wakeAt := p.starts[0].Add(rateWindow)
		p.mu.Unlock()

		wait := wakeAt.Sub(now)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow reports whether a request may start right now, consuming a slot when
// it may. Non-blocking variant of Wait for callers that prefer to skip work.
func (p *Pacer) Allow() bool {
	if !p.Enabled() {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()
	p.prune(now)
	if len(p.starts) >= p.perMinute {
		return false
	}
	p.starts = append(p.starts, now)
	return true
}

// prune drops window entries older than one minute. Callers hold p.mu.
func (p *Pacer) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	kept := p.starts[:0]
	for _, stamp := range p.starts {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	p.starts = kept
}
