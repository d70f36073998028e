package iostream

import (
	"context"
	"errors"
	"io"
	"slices"

	"github.com/calque-ai/iostream/pkg/flow"
)

// Handler runs command as a flow stage: the stage input is written to the
// process's stdin, which is closed at the end of the input, and its stdout
// becomes the stage output.
//
// Every request gets its own process. The stage fails with the stream error
// when the process fails, and cancels the process when the request context
// is canceled.
//
// Example:
//
//	f := flow.New().
//		Use(iostream.Handler("tr", []string{"a-z", "A-Z"})).
//		Use(iostream.Handler("sort", nil))
func Handler(command string, args []string, opts ...Option) flow.Handler {
	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		ctx := req.Context
		stageOpts := slices.Concat([]Option{WithContext(ctx)}, opts)

		s, err := New(command, args, stageOpts...)
		if err != nil {
			return flow.WrapErr(ctx, err, "iostream stage")
		}
		defer s.Close()

		stop := context.AfterFunc(ctx, func() { _ = s.Close() })
		defer stop()

		// The stdin copy is only waited for on success. When the process
		// fails, a Read blocked on req.Data must not hold the stage open.
		copied := make(chan error, 1)
		go func() {
			if _, err := io.Copy(s, req.Data); err != nil {
				copied <- err
				_ = s.Close()
				return
			}
			copied <- s.CloseWrite()
		}()

		if _, err := io.Copy(res.Data, s); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// An input read error cancels the stream; report the cause.
			if errors.Is(err, ErrCanceled) {
				select {
				case inErr := <-copied:
					if inErr != nil {
						return inErr
					}
				default:
				}
			}
			return err
		}

		select {
		case err := <-copied:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		flow.LogDebug(ctx, "iostream stage complete", "command", command, "session", s.ID())
		return nil
	})
}
