package iostream

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/calque-ai/iostream/pkg/diagnostics"
	"github.com/calque-ai/iostream/pkg/flow"
	"github.com/calque-ai/iostream/pkg/process"
)

// stderrDrainTimeout bounds how long exit handling waits for stderr to reach
// EOF. A grandchild that inherited stderr can keep it open indefinitely.
const stderrDrainTimeout = 2 * time.Second

// Stream is one subprocess seen as an io.ReadWriteCloser.
//
// Writes go to the process's stdin, reads come from its stdout. All methods
// are safe for concurrent use, though the io.Reader side expects a single
// reader for its ordering to be meaningful.
type Stream struct {
	cfg   Config
	id    ulid.ULID
	log   *slog.Logger
	meter *meter

	mu        sync.Mutex
	state     State
	err       error
	handle    *process.Handle
	sink      *sink
	source    *source
	collector *diagnostics.Collector

	finished    chan struct{}
	ended       chan struct{}
	done        chan struct{}
	finishedSet bool
	endedSet    bool

	metricsOnce sync.Once
}

var _ io.ReadWriteCloser = (*Stream)(nil)

// New creates a stream for command and args.
//
// New fails only on invalid configuration. With the default lazy policy the
// process is started by the first Write, Read or End; WithLazy(false)
// starts it right away. Either way a failure to start the process is not
// returned here but delivered through Err, Done and the failing operation.
func New(command string, args []string, opts ...Option) (*Stream, error) {
	cfg := defaultConfig(command, args)
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	id := ulid.Make()
	logger := cfg.Logger
	if logger == nil {
		logger = flow.Logger(cfg.ctx)
	}
	logArgs := []any{"component", "iostream", "session", id.String(), "command", command}
	if requestID := flow.RequestID(cfg.ctx); requestID != "" {
		logArgs = append(logArgs, "request_id", requestID)
	}

	s := &Stream{
		cfg:      cfg,
		id:       id,
		log:      logger.With(logArgs...),
		meter:    newMeter(cfg.ctx, cfg.Metrics, cfg.MetricLabels),
		finished: make(chan struct{}),
		ended:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	if !cfg.Lazy {
		s.mu.Lock()
		err := s.spawnLocked()
		s.mu.Unlock()
		if err != nil {
			s.fail(err)
		}
	}
	return s, nil
}

// spawnLocked starts the process if it has not been started. Caller holds mu.
func (s *Stream) spawnLocked() *Error {
	if s.state != StateUnspawned {
		return nil
	}

	h, err := process.Launch(process.Spec{
		Command:    s.cfg.Command,
		Args:       s.cfg.Args,
		Dir:        s.cfg.Dir,
		Env:        s.cfg.Env,
		PipeStderr: s.cfg.pipeStderr(),
	})
	if err != nil {
		return s.newError(KindSpawn, ErrSpawn.msg, err)
	}

	s.state = StateSpawned
	s.handle = h

	s.sink = newSink(h.Stdin(), s.cfg.WriteHighWaterMark)
	s.sink.onFinish = s.finish
	s.sink.onError = func(err error) {
		s.fail(s.newError(KindSinkUnwritable, ErrSinkUnwritable.msg, err))
	}
	s.sink.onDrain = func() { s.log.Debug("write queue drained") }

	s.source = newSource(h.Stdout(), s.cfg.ReadHighWaterMark)
	s.source.onEnd = s.end
	s.source.onError = func(err error) {
		s.fail(s.newError(KindSourceUnreadable, ErrSourceUnreadable.msg, err))
	}

	var stderrDone chan struct{}
	if r := h.Stderr(); r != nil {
		s.collector = diagnostics.New(diagnostics.Config{
			EOL:      s.cfg.EOL,
			BOL:      s.cfg.BOL,
			MaxLines: s.cfg.MaxStderrLines,
			OnLine:   s.cfg.OnStderrLine,
		})
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			_, _ = io.Copy(s.collector, r)
		}()
	}

	go s.sink.flush()
	go s.wait(h, s.sink, s.source, s.collector, stderrDone)

	s.meter.active(1)
	s.log.Debug("process spawned", "pid", h.PID())
	return nil
}

// wait owns the exit of the process.
func (s *Stream) wait(h *process.Handle, sk *sink, src *source, c *diagnostics.Collector, stderrDone <-chan struct{}) {
	outcome := h.Wait()
	if stderrDone != nil {
		timer := time.NewTimer(stderrDrainTimeout)
		select {
		case <-stderrDone:
		case <-timer.C:
			s.log.Warn("stderr still open after exit")
		}
		timer.Stop()
	}

	s.meter.active(-1)
	s.meter.exit(outcome.Class.String(), time.Since(h.Started()))
	s.log.Debug("process exited", "pid", h.PID(), "outcome", outcome.String())

	if s.State().Terminal() {
		return
	}
	if outcome.Success() {
		sk.markExited()
		src.release()
		return
	}
	s.fail(s.exitError(outcome, c))
}

func (s *Stream) exitError(outcome process.Outcome, c *diagnostics.Collector) *Error {
	kind, msg := KindExitNonzero, ErrExitNonzero.msg
	if outcome.Class == process.Signaled {
		kind, msg = KindExitSignaled, ErrExitSignaled.msg
	}
	cause := outcome.Err()

	if c != nil {
		if failure := c.Failure(s.cfg.StderrPolicy, cause); failure != nil {
			e := s.newError(KindStderrFailure, ErrStderrFailure.msg, failure)
			e.exitKind = kind
			return e.Tag(slog.String("exit", outcome.String()))
		}
	}
	return s.newError(kind, msg, cause).Tag(slog.String("exit", outcome.String()))
}

func (s *Stream) newError(kind Kind, msg string, cause error) *Error {
	e := newError(s.cfg.ctx, kind, msg, cause)
	e.session = s.id.String()
	return e.Tag(slog.String("command", s.cfg.Command))
}

// fail moves the session to StateErrored unless it already reached a
// terminal state, and returns the terminal error.
func (s *Stream) fail(err *Error) error {
	s.mu.Lock()
	if s.state.Terminal() {
		terminal := s.err
		s.mu.Unlock()
		if terminal == nil {
			return err
		}
		return terminal
	}
	s.state = StateErrored
	s.err = err
	close(s.done)
	h, sk, src := s.handle, s.sink, s.source
	s.mu.Unlock()

	level := slog.LevelError
	if err.kind == KindCanceled {
		level = slog.LevelDebug
	}
	s.log.LogAttrs(s.cfg.ctx, level, "stream failed", s.failureAttrs(err)...)

	if sk != nil {
		sk.fail(err)
	}
	if src != nil {
		src.fail(err)
	}
	if h != nil {
		if terr := h.Terminate(s.cfg.KillGrace); terr != nil {
			s.log.Warn("terminate process", "pid", h.PID(), "error", terr)
		}
		_ = h.Close()
	}
	s.flushMetrics()
	return err
}

// finish is the sink's hook once stdin is flushed and closed.
func (s *Stream) finish() error {
	s.mu.Lock()
	if s.state == StateErrored {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.finishedSet = true
	close(s.finished)
	done := s.maybeEndLocked()
	s.mu.Unlock()

	s.log.Debug("write side finished")
	if done {
		s.completed()
	}
	return nil
}

// end is the source's hook once the caller has read all output.
func (s *Stream) end() {
	s.mu.Lock()
	if s.state == StateErrored {
		s.mu.Unlock()
		return
	}
	s.endedSet = true
	close(s.ended)
	done := s.maybeEndLocked()
	s.mu.Unlock()

	s.log.Debug("read side ended")
	if done {
		s.completed()
	}
}

func (s *Stream) maybeEndLocked() bool {
	if s.finishedSet && s.endedSet && s.state == StateSpawned {
		s.state = StateEnded
		close(s.done)
		return true
	}
	return false
}

// completed releases the pipes once the process exited and both sides are
// done.
func (s *Stream) completed() {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		_ = h.Close()
	}

	st := s.Stats()
	s.log.Debug("stream ended", "bytes_in", st.BytesIn, "bytes_out", st.BytesOut)
	s.flushMetrics()
}

// failureAttrs drops the attributes s.log already carries.
func (s *Stream) failureAttrs(err *Error) []slog.Attr {
	return slices.DeleteFunc(err.LogAttrs(), func(a slog.Attr) bool {
		switch a.Key {
		case "session", "command", "request_id":
			return true
		}
		return false
	})
}

func (s *Stream) flushMetrics() {
	s.metricsOnce.Do(func() { s.meter.flush(s.Stats()) })
}

// rejectWrite fails the session because the sink refused a write.
func (s *Stream) rejectWrite(reason string) error {
	e := s.newError(KindSinkUnwritable, ErrSinkUnwritable.msg, nil).Tag(slog.String("reason", reason))
	return s.fail(e)
}

// WriteAsync queues chunk for the process's stdin.
//
// The returned Ack completes once the chunk is queued, or, when the queue is
// at its high-water mark, once the queue has drained. Writing after End, after
// the process exited, or after a failure fails with ErrSinkUnwritable (or the
// earlier failure) and moves the session to StateErrored.
func (s *Stream) WriteAsync(chunk []byte) *Ack {
	s.mu.Lock()
	switch s.state {
	case StateErrored:
		err := s.err
		s.mu.Unlock()
		return failedAck(err)
	case StateEnded:
		s.mu.Unlock()
		return failedAck(s.rejectWrite("stream ended"))
	}
	if err := s.spawnLocked(); err != nil {
		s.mu.Unlock()
		return failedAck(s.fail(err))
	}
	sk := s.sink
	s.mu.Unlock()

	ack, ok := sk.write(chunk)
	if !ok {
		return failedAck(s.rejectWrite("write after end or exit"))
	}
	return ack
}

// Write implements io.Writer. It blocks for the Ack of WriteAsync.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.WriteAsync(p).Wait(context.Background()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EndAsync signals the end of input. Stdin is closed after every queued
// chunk is written; the Ack then completes and Finished is closed.
func (s *Stream) EndAsync() *Ack {
	s.mu.Lock()
	switch s.state {
	case StateErrored:
		err := s.err
		s.mu.Unlock()
		return failedAck(err)
	case StateEnded:
		s.mu.Unlock()
		return failedAck(nil)
	}
	if err := s.spawnLocked(); err != nil {
		s.mu.Unlock()
		return failedAck(s.fail(err))
	}
	sk := s.sink
	s.mu.Unlock()

	ack, ok := sk.end()
	if !ok {
		return failedAck(s.Err())
	}
	return ack
}

// CloseWrite ends the input and waits for stdin to be flushed and closed.
func (s *Stream) CloseWrite() error {
	return s.EndAsync().Wait(context.Background())
}

// Read implements io.Reader over the process's stdout.
//
// It returns io.EOF once stdout is exhausted and the process exited
// gracefully, and the session error once the session failed.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.state == StateErrored {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	if err := s.spawnLocked(); err != nil {
		s.mu.Unlock()
		return 0, s.fail(err)
	}
	src := s.source
	s.mu.Unlock()

	src.demand()
	return src.read(p)
}

// Close releases the stream.
//
// A stream whose output was read to the end after a graceful exit has its
// input ended and completes normally. Any other unfinished stream is
// canceled: the process is terminated and outstanding operations fail with
// ErrCanceled. Close always returns nil and is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	state, readDone, h := s.state, s.endedSet, s.handle
	s.mu.Unlock()

	switch {
	case state == StateErrored:
		return nil
	case state == StateSpawned && readDone:
		_ = s.EndAsync().Wait(context.Background())
	case state != StateEnded:
		s.fail(s.newError(KindCanceled, ErrCanceled.msg, nil))
		return nil
	}
	if h != nil {
		_ = h.Close()
	}
	return nil
}

// Finished is closed once stdin has been flushed and closed after End.
func (s *Stream) Finished() <-chan struct{} { return s.finished }

// Ended is closed once all output has been read after a graceful exit.
func (s *Stream) Ended() <-chan struct{} { return s.ended }

// Done is closed when the stream reaches StateEnded or StateErrored.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the session error, or nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the session ID.
func (s *Stream) ID() string {
	return s.id.String()
}

// PID returns the process ID, or 0 before the process is spawned.
func (s *Stream) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	sk, src := s.sink, s.source
	s.mu.Unlock()

	var st Stats
	if sk != nil {
		st.Writes, st.DeferredWrites, st.Drains, st.BytesIn = sk.stats()
	}
	if src != nil {
		st.BytesOut, st.Pauses = src.stats()
	}
	return st
}

// Stderr returns the stderr lines collected so far, or nil when stderr is
// not piped.
func (s *Stream) Stderr() []string {
	s.mu.Lock()
	c := s.collector
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Lines()
}
