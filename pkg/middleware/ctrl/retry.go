package ctrl

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/calque-ai/iostream/pkg/flow"
	"github.com/calque-ai/iostream/pkg/iostream"
)

// RetryConfig controls Retry.
type RetryConfig struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Retryable decides whether a failed attempt is tried again.
	// Defaults to Transient.
	Retryable func(error) bool

	// OnRetry is called before each wait with the failure and the delay.
	OnRetry func(err error, wait time.Duration)
}

// DefaultRetryConfig returns 3 attempts with 100ms growing to 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Transient reports whether err is a process failure that may succeed on
// another run: a signal, a nonzero exit or a broken pipe. Spawn failures
// and cancellation are permanent.
func Transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, iostream.ErrExitSignaled) ||
		errors.Is(err, iostream.ErrExitNonzero) ||
		errors.Is(err, iostream.ErrSinkUnwritable) ||
		errors.Is(err, iostream.ErrSourceUnreadable)
}

// Retry runs handler until it succeeds, with exponential backoff between
// attempts. The input is buffered so every attempt sees all of it, and the
// output of an attempt is only forwarded when the attempt succeeds.
//
// Example:
//
//	f.Use(ctrl.Retry(iostream.Handler("curl", []string{"-sf", url}), ctrl.DefaultRetryConfig()))
func Retry(handler flow.Handler, cfg RetryConfig) flow.Handler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Retryable == nil {
		cfg.Retryable = Transient
	}

	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		var input []byte
		if err := flow.Read(req, &input); err != nil {
			return err
		}

		b := backoff.NewExponentialBackOff()
		if cfg.InitialInterval > 0 {
			b.InitialInterval = cfg.InitialInterval
		}
		if cfg.MaxInterval > 0 {
			b.MaxInterval = cfg.MaxInterval
		}

		attempt := func() ([]byte, error) {
			var output bytes.Buffer
			err := handler.ServeFlow(flow.NewRequest(req.Context, bytes.NewReader(input)), flow.NewResponse(&output))
			if err == nil {
				return output.Bytes(), nil
			}
			if !cfg.Retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		opts := []backoff.RetryOption{
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		}
		if cfg.OnRetry != nil {
			opts = append(opts, backoff.WithNotify(cfg.OnRetry))
		}

		output, err := backoff.Retry(req.Context, attempt, opts...)
		if err != nil {
			return err
		}
		return flow.Write(res, output)
	})
}
