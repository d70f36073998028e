package iostream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/calque-ai/iostream/pkg/flow"
)

func TestHandlerComposition(t *testing.T) {
	requireTools(t, "tr", "cat")

	f := flow.New().
		Use(Handler("tr", []string{"a-z", "A-Z"})).
		Use(Handler("cat", nil))

	var out string
	if err := f.Run(context.Background(), "data flows down the pipe\n", &out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "DATA FLOWS DOWN THE PIPE\n" {
		t.Errorf("Run() output = %q", out)
	}
}

func TestHandlerLargeInput(t *testing.T) {
	requireTools(t, "cat", "wc")

	f := flow.New().
		Use(Handler("cat", nil, WithWriteHighWaterMark(1024))).
		Use(Handler("wc", []string{"-c"}))

	var out string
	if err := f.Run(context.Background(), strings.Repeat("x", 1<<20), &out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(out) != "1048576" {
		t.Errorf("wc -c = %q, want 1048576", out)
	}
}

func TestHandlerFailure(t *testing.T) {
	requireTools(t, "sh", "cat")

	f := flow.New().
		Use(Handler("sh", []string{"-c", "cat >/dev/null; echo bad input >&2; exit 2"})).
		Use(Handler("cat", nil))

	err := f.Run(context.Background(), "input", nil)
	if !errors.Is(err, ErrExitNonzero) {
		t.Fatalf("Run() error = %v, want ErrExitNonzero", err)
	}
	if !strings.Contains(err.Error(), "bad input") {
		t.Errorf("Run() error = %q, want the stderr line", err.Error())
	}
}

func TestHandlerInvalidConfig(t *testing.T) {
	err := flow.New().Use(Handler("", nil)).Run(context.Background(), "x", nil)
	if err == nil {
		t.Fatal("Run() error = nil, want a configuration error")
	}
}

func TestHandlerCancellation(t *testing.T) {
	requireTools(t, "sleep")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := flow.New().Use(Handler("sleep", []string{"30"}, WithKillGrace(100*time.Millisecond))).Run(ctx, "", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %v after cancellation", elapsed)
	}
}

func TestHandlerIdleInput(t *testing.T) {
	requireTools(t, "sh")

	tests := []struct {
		name    string
		command string
		args    []string
		want    error
	}{
		{name: "spawn_failure", command: "iostream-command-that-does-not-exist", want: ErrSpawn},
		{name: "early_exit", command: "sh", args: []string{"-c", "exit 3"}, want: ErrExitNonzero},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Nothing is ever written to the input, so its Read blocks.
			input, feed := io.Pipe()
			defer feed.Close()

			done := make(chan error, 1)
			go func() {
				req := flow.NewRequest(context.Background(), input)
				done <- Handler(tt.command, tt.args).ServeFlow(req, flow.NewResponse(io.Discard))
			}()

			select {
			case err := <-done:
				if !errors.Is(err, tt.want) {
					t.Errorf("ServeFlow() error = %v, want %v", err, tt.want)
				}
			case <-time.After(testTimeout):
				t.Fatal("ServeFlow() still blocked on an idle input")
			}
		})
	}
}

func TestHandlerInputReadError(t *testing.T) {
	requireTools(t, "cat")

	readErr := errors.New("input vanished")
	input := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(readErr))

	var out bytes.Buffer
	err := Handler("cat", nil).ServeFlow(flow.NewRequest(context.Background(), input), flow.NewResponse(&out))
	if !errors.Is(err, readErr) {
		t.Errorf("ServeFlow() error = %v, want %v", err, readErr)
	}
}
