package ctrl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calque-ai/iostream/pkg/flow"
)

// rateLimiter is a token bucket refilled lazily on each wait.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// RateLimit lets at most rate requests per interval into handler, bounding
// how fast a stage spawns processes. Requests over the limit wait for a
// token or for their context to end. Up to rate requests may start at once.
//
// Example:
//
//	f.Use(ctrl.RateLimit(iostream.Handler("curl", args), 10, time.Second))
func RateLimit(handler flow.Handler, rate int, per time.Duration) flow.Handler {
	if rate <= 0 || per <= 0 {
		return flow.HandlerFunc(func(req *flow.Request, _ *flow.Response) error {
			return flow.NewErr(req.Context, fmt.Sprintf("invalid rate limit: %d per %v", rate, per))
		})
	}

	limiter := &rateLimiter{
		tokens:     rate,
		maxTokens:  rate,
		refillRate: max(per/time.Duration(rate), time.Nanosecond),
		lastRefill: time.Now(),
	}
	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		if err := limiter.wait(req.Context); err != nil {
			return flow.WrapErr(req.Context, err, "rate limit wait failed")
		}
		return handler.ServeFlow(req, res)
	})
}

func (rl *rateLimiter) wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Until(rl.lastRefill.Add(rl.refillRate))
		rl.mu.Unlock()

		timer := time.NewTimer(max(wait, time.Nanosecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refill must be called with mu held. lastRefill advances by whole
// intervals so partial intervals are not lost.
func (rl *rateLimiter) refill() {
	add := int(time.Since(rl.lastRefill) / rl.refillRate)
	if add <= 0 {
		return
	}
	rl.tokens = min(rl.tokens+add, rl.maxTokens)
	rl.lastRefill = rl.lastRefill.Add(time.Duration(add) * rl.refillRate)
}
