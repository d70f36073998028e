package ctrl

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calque-ai/iostream/pkg/flow"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Breaker thresholds used by Fallback.
const (
	BreakerThreshold = 5
	BreakerCooldown  = 30 * time.Second
)

// ErrNoHandlers is returned by a Fallback built without handlers.
var ErrNoHandlers = errors.New("no handlers provided to fallback")

type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	state       circuitState
}

// Fallback tries handlers in order until one succeeds, e.g. a fast native
// tool first and a portable one second. The input is buffered so each
// handler sees all of it, and only the output of the successful handler
// is forwarded.
//
// A handler that fails BreakerThreshold times in a row is skipped for
// BreakerCooldown, then given one more chance.
//
// Example:
//
//	pretty := ctrl.Fallback(
//		iostream.Handler("jq", []string{"."}),
//		iostream.Handler("python3", []string{"-m", "json.tool"}),
//	)
func Fallback(handlers ...flow.Handler) flow.Handler {
	if len(handlers) == 0 {
		return flow.HandlerFunc(func(req *flow.Request, _ *flow.Response) error {
			return flow.WrapErr(req.Context, ErrNoHandlers, "fallback")
		})
	}

	breakers := make([]*circuitBreaker, len(handlers))
	for i := range handlers {
		breakers[i] = &circuitBreaker{threshold: BreakerThreshold, cooldown: BreakerCooldown}
	}

	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		var input []byte
		if err := flow.Read(req, &input); err != nil {
			return err
		}

		var errs []error
		for i, handler := range handlers {
			if !breakers[i].allow() {
				continue
			}

			var output bytes.Buffer
			err := handler.ServeFlow(flow.NewRequest(req.Context, bytes.NewReader(input)), flow.NewResponse(&output))
			if err == nil {
				breakers[i].recordSuccess()
				return flow.Write(res, output.Bytes())
			}
			breakers[i].recordFailure()
			if req.Context.Err() != nil {
				return err
			}
			flow.LogDebug(req.Context, "fallback handler failed", "index", i, "error", err)
			errs = append(errs, fmt.Errorf("handler %d: %w", i, err))
		}

		if len(errs) == 0 {
			return flow.NewErr(req.Context, "all fallback handlers are cooling down")
		}
		return flow.WrapErr(req.Context, errors.Join(errs...), "all fallback handlers failed")
	})
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.cooldown {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = circuitClosed
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == circuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = circuitOpen
	}
}
