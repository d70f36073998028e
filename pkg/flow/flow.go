// Package flow composes streaming stages into pipelines.
//
// Every stage of a Flow runs in its own goroutine and is connected to the
// next one by an io.Pipe, so data moves through the pipeline as it is
// produced and memory stays constant regardless of input size. Stages that
// wrap external processes (see package iostream) get backpressure for free:
// a slow consumer blocks the pipe, which blocks the producer.
package flow

import (
	"context"
	"io"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ConcurrencyUnlimited disables concurrency limits, allowing unlimited stage goroutines.
const ConcurrencyUnlimited = 0

// ConcurrencyAuto derives the limit from runtime.GOMAXPROCS(0) * CPUMultiplier.
const ConcurrencyAuto = -1

// DefaultCPUMultiplier provides a conservative default for I/O-bound stages.
//
// On a 4-core system: 4 * 50 = 200 concurrent stages. Stages that own a
// subprocess hold their slot for the lifetime of the process, so lower the
// multiplier (or use a fixed MaxConcurrent) to bound live subprocesses.
const DefaultCPUMultiplier = 50

// Config configures flow concurrency behavior and resource limits.
//
// MaxConcurrent bounds the number of stage goroutines running at once across
// all executions of the flow. Use ConcurrencyUnlimited for no limit,
// ConcurrencyAuto for a CPU-based limit, or a positive integer.
//
// Example configurations:
//
//	// Default: unlimited concurrency
//	f := flow.New()
//
//	// Auto-scaling based on CPU cores
//	f := flow.New(flow.Config{
//		MaxConcurrent: flow.ConcurrencyAuto,
//		CPUMultiplier: 10,
//	})
//
//	// At most 8 stages (and so at most 8 subprocesses) at a time
//	f := flow.New(flow.Config{MaxConcurrent: 8})
type Config struct {
	MaxConcurrent int // ConcurrencyUnlimited, ConcurrencyAuto, or positive integer
	CPUMultiplier int // multiplier for GOMAXPROCS (used when MaxConcurrent = ConcurrencyAuto)
}

// Flow is an ordered chain of stages.
type Flow struct {
	handlers []Handler
	sem      chan struct{} // nil = unlimited concurrency
}

// New creates a flow with optional concurrency configuration.
//
// With no config the flow runs every stage immediately. With a limit, each
// stage goroutine acquires a semaphore slot before serving and releases it
// when it returns; the semaphore is shared by all concurrent Run calls.
func New(configs ...Config) *Flow {
	config := Config{
		MaxConcurrent: ConcurrencyUnlimited,
		CPUMultiplier: DefaultCPUMultiplier,
	}
	if len(configs) > 0 {
		config = configs[0]
	}

	var sem chan struct{}
	switch config.MaxConcurrent {
	case ConcurrencyUnlimited:
		sem = nil
	case ConcurrencyAuto:
		multiplier := config.CPUMultiplier
		if multiplier <= 0 {
			multiplier = DefaultCPUMultiplier
		}
		sem = make(chan struct{}, runtime.GOMAXPROCS(0)*multiplier)
	default:
		if config.MaxConcurrent > 0 {
			sem = make(chan struct{}, config.MaxConcurrent)
		}
	}

	return &Flow{sem: sem}
}

// Use adds a handler to the flow chain.
//
// Handlers are executed in the order they are added. Each handler runs in
// its own goroutine and connects to the next via io.Pipe.
//
// Example:
//
//	f := flow.New().
//		Use(logger.Head("INPUT", 100)).
//		Use(iostream.Handler("tr", []string{"a-z", "A-Z"})).
//		Use(logger.Head("OUTPUT", 100))
func (f *Flow) Use(handler Handler) *Flow {
	f.handlers = append(f.handlers, handler)
	return f
}

// UseFunc adds a function as a handler using the HandlerFunc adapter.
func (f *Flow) UseFunc(fn HandlerFunc) *Flow {
	return f.Use(fn)
}

// Len returns the number of stages.
func (f *Flow) Len() int {
	return len(f.handlers)
}

// ServeFlow implements Handler, so a flow can be used as a stage of
// another flow.
//
//	sub := flow.New().Use(h1).Use(h2)
//	main := flow.New().Use(sub).Use(h3)
func (f *Flow) ServeFlow(req *Request, res *Response) error {
	if len(f.handlers) == 0 {
		_, err := io.Copy(res.Data, req.Data)
		return err
	}
	return f.runWithStreaming(req.Context, req.Data, res.Data)
}

// Run executes the flow.
//
// Input may be a string, []byte, io.Reader or InputConverter. Output may be
// a *string, *[]byte, *io.Reader, io.Writer, OutputConverter, or nil to
// discard. The output is consumed concurrently with the stages, so an
// io.Writer output streams.
//
// A request ID is attached to ctx when it does not carry one, so every log
// line and error produced during the run can be correlated.
//
// Example:
//
//	var result string
//	if err := f.Run(ctx, "input data", &result); err != nil {
//		return err
//	}
func (f *Flow) Run(ctx context.Context, input any, output any) error {
	if RequestID(ctx) == "" {
		ctx = WithRequestID(ctx, uuid.NewString())
	}

	if len(f.handlers) == 0 {
		return copyInputToOutput(ctx, input, output)
	}

	reader, err := inputToReader(ctx, input)
	if err != nil {
		return err
	}

	return f.runWithStreaming(ctx, reader, output)
}

// runWithStreaming wires the stages together and waits for all of them.
//
//	input ─copy─▶ stage0 ─pipe─▶ stage1 ─pipe─▶ ... ─▶ output
//
// The first failure cancels the group; every pipe is then closed with that
// error so stages blocked on I/O return instead of leaking. The input copy
// may outlive Run until its next Read returns.
func (f *Flow) runWithStreaming(ctx context.Context, input io.Reader, output any) error {
	g, gctx := errgroup.WithContext(ctx)

	type pipe struct {
		r *io.PipeReader
		w *io.PipeWriter
	}
	pipes := make([]pipe, len(f.handlers)+1)
	for i := range pipes {
		pipes[i].r, pipes[i].w = io.Pipe()
	}

	stop := context.AfterFunc(gctx, func() {
		cause := context.Cause(gctx)
		for _, p := range pipes {
			p.r.CloseWithError(cause)
			p.w.CloseWithError(cause)
		}
	})
	defer stop()

	// pipes[0] carries the caller's input into the first stage. The copy is
	// not part of the group: a Read blocked on an idle input must not keep
	// Run from returning once a stage failed or ctx ended. A read error
	// reaches the first stage through the pipe.
	go func() {
		_, err := io.Copy(pipes[0].w, input)
		pipes[0].w.CloseWithError(err)
	}()

	for i, handler := range f.handlers {
		in, out := pipes[i].r, pipes[i+1].w
		g.Go(func() error {
			if f.sem != nil {
				select {
				case f.sem <- struct{}{}:
					defer func() { <-f.sem }()
				case <-gctx.Done():
					return gctx.Err()
				}
			}

			err := handler.ServeFlow(&Request{Context: gctx, Data: in}, &Response{Data: out})
			out.CloseWithError(err)
			if err != nil {
				in.CloseWithError(err)
				return err
			}
			// Stages may stop reading early; drain so upstream can finish.
			_, _ = io.Copy(io.Discard, in)
			return nil
		})
	}

	final := pipes[len(pipes)-1].r
	g.Go(func() error {
		err := readerToOutput(gctx, final, output)
		if err != nil {
			final.CloseWithError(err)
		}
		return err
	})

	return g.Wait()
}
