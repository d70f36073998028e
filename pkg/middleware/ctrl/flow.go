// Package ctrl provides flow control middleware for process stages:
// timeouts, retries with backoff, fallbacks and spawn rate limiting.
package ctrl

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/calque-ai/iostream/pkg/flow"
)

// PassThrough copies input to output unchanged.
func PassThrough() flow.Handler {
	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		_, err := io.Copy(res.Data, req.Data)
		return err
	})
}

// Tee copies the stage input to every destination while passing it through.
//
// Example:
//
//	audit, _ := os.Create("input.log")
//	f.Use(ctrl.Tee(audit)).Use(iostream.Handler("sort", nil))
func Tee(destinations ...io.Writer) flow.Handler {
	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		writers := append([]io.Writer{res.Data}, destinations...)
		_, err := io.Copy(io.MultiWriter(writers...), req.Data)
		return err
	})
}

// Timeout bounds the wrapped handler's run time. Process stages observe the
// deadline through the request context and are terminated when it passes.
// Timeout waits for the handler to return so no output is written after it.
//
// Example:
//
//	f.Use(ctrl.Timeout(iostream.Handler("convert", args), 30*time.Second))
func Timeout(handler flow.Handler, timeout time.Duration) flow.Handler {
	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		ctx, cancel := context.WithTimeout(req.Context, timeout)
		defer cancel()

		err := handler.ServeFlow(req.WithContext(ctx), res)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && req.Context.Err() == nil {
			return flow.WrapErr(req.Context, context.DeadlineExceeded, "stage timed out after "+timeout.String())
		}
		return err
	})
}
