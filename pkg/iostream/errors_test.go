package iostream

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/calque-ai/iostream/pkg/flow"
	"github.com/calque-ai/iostream/pkg/process"
)

func TestErrorIs(t *testing.T) {
	sentinels := []*Error{
		ErrSpawn, ErrSinkUnwritable, ErrSourceUnreadable,
		ErrExitSignaled, ErrExitNonzero, ErrStderrFailure, ErrCanceled,
	}

	for _, sentinel := range sentinels {
		t.Run(sentinel.Kind().String(), func(t *testing.T) {
			err := newError(context.Background(), sentinel.Kind(), "boom", nil)
			for _, other := range sentinels {
				if got, want := errors.Is(err, other), other == sentinel; got != want {
					t.Errorf("errors.Is(%v, %v) = %v, want %v", sentinel.Kind(), other.Kind(), got, want)
				}
			}
		})
	}
}

func TestErrorStderrFailureMatchesExit(t *testing.T) {
	code := 2
	cause := process.Classify(&code, "").Err()
	err := newError(context.Background(), KindStderrFailure, ErrStderrFailure.Error(), cause)
	err.exitKind = KindExitNonzero

	if !errors.Is(err, ErrStderrFailure) || !errors.Is(err, ErrExitNonzero) {
		t.Error("stderr failure should match its own kind and the exit kind")
	}
	if errors.Is(err, ErrExitSignaled) {
		t.Error("stderr failure should not match an unrelated exit kind")
	}
	var exitErr *process.ExitError
	if !errors.As(err, &exitErr) {
		t.Error("errors.As should reach the exit error")
	}
}

func TestErrorMetadata(t *testing.T) {
	ctx := flow.WithTraceID(flow.WithRequestID(context.Background(), "req-1"), "trace-1")
	err := newError(ctx, KindExitNonzero, "process exited with a nonzero status", errors.New("code 1")).
		Tag(slog.String("command", "false"))

	if err.RequestID() != "req-1" || err.TraceID() != "trace-1" {
		t.Errorf("ids = %q/%q", err.RequestID(), err.TraceID())
	}
	if err.Error() != "process exited with a nonzero status: code 1" {
		t.Errorf("Error() = %q", err.Error())
	}

	keys := map[string]bool{}
	for _, attr := range err.LogAttrs() {
		keys[attr.Key] = true
	}
	for _, want := range []string{"kind", "error", "trace_id", "request_id", "command"} {
		if !keys[want] {
			t.Errorf("LogAttrs() missing %q", want)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindSinkUnwritable.String() != "sink_unwritable" || Kind(99).String() != "unknown" {
		t.Error("unexpected Kind names")
	}
	if StateErrored.String() != "errored" || State(9).String() != "state(9)" {
		t.Error("unexpected State names")
	}
	if !StateEnded.Terminal() || StateSpawned.Terminal() {
		t.Error("Terminal() wrong")
	}
}

func TestAck(t *testing.T) {
	a := newAck()
	if a.Err() != nil {
		t.Error("pending Ack should report nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := a.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() on pending Ack = %v, want deadline exceeded", err)
	}

	boom := errors.New("boom")
	a.complete(boom)
	a.complete(nil)
	if err := a.Wait(context.Background()); err != boom {
		t.Errorf("Wait() = %v, want the first completion", err)
	}

	if err := failedAck(nil).Wait(context.Background()); err != nil {
		t.Errorf("failedAck(nil).Wait() = %v", err)
	}
}
