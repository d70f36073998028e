package flow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"
)

func upper() Handler {
	return HandlerFunc(func(req *Request, res *Response) error {
		var input string
		if err := Read(req, &input); err != nil {
			return err
		}
		return Write(res, strings.ToUpper(input))
	})
}

func echo() Handler {
	return HandlerFunc(func(req *Request, res *Response) error {
		_, err := io.Copy(res.Data, req.Data)
		return err
	})
}

func TestNew_Configuration(t *testing.T) {
	tests := []struct {
		name         string
		config       *Config
		expectSemNil bool
		expectSemCap int
	}{
		{name: "default_no_config", expectSemNil: true},
		{name: "unlimited_explicit", config: &Config{MaxConcurrent: ConcurrencyUnlimited}, expectSemNil: true},
		{
			name:         "auto_with_default_multiplier",
			config:       &Config{MaxConcurrent: ConcurrencyAuto},
			expectSemCap: runtime.GOMAXPROCS(0) * DefaultCPUMultiplier,
		},
		{
			name:         "auto_with_custom_multiplier",
			config:       &Config{MaxConcurrent: ConcurrencyAuto, CPUMultiplier: 3},
			expectSemCap: runtime.GOMAXPROCS(0) * 3,
		},
		{name: "fixed_positive", config: &Config{MaxConcurrent: 8}, expectSemCap: 8},
		{name: "negative_value_treated_as_unlimited", config: &Config{MaxConcurrent: -5}, expectSemNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f *Flow
			if tt.config == nil {
				f = New()
			} else {
				f = New(*tt.config)
			}

			if tt.expectSemNil {
				if f.sem != nil {
					t.Errorf("sem = cap %d, want nil", cap(f.sem))
				}
				return
			}
			if f.sem == nil || cap(f.sem) != tt.expectSemCap {
				t.Errorf("sem cap = %d, want %d", cap(f.sem), tt.expectSemCap)
			}
		})
	}
}

func TestFlow_Run_NoHandlers(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{name: "string input", input: "hello world", expected: "hello world"},
		{name: "empty string", input: "", expected: ""},
		{name: "byte slice input", input: []byte("byte data"), expected: "byte data"},
		{name: "reader input", input: strings.NewReader("reader data"), expected: "reader data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output string
			if err := New().Run(context.Background(), tt.input, &output); err != nil {
				t.Fatalf("Run() error = %v, want nil", err)
			}
			if output != tt.expected {
				t.Errorf("Run() output = %q, want %q", output, tt.expected)
			}
		})
	}
}

func TestFlow_Run_Handlers(t *testing.T) {
	prefix := HandlerFunc(func(req *Request, res *Response) error {
		if err := Write(res, "PREFIX:"); err != nil {
			return err
		}
		_, err := io.Copy(res.Data, req.Data)
		return err
	})

	tests := []struct {
		name     string
		handlers []Handler
		input    string
		expected string
		wantErr  bool
	}{
		{name: "echo", handlers: []Handler{echo()}, input: "echo test", expected: "echo test"},
		{name: "transform", handlers: []Handler{upper()}, input: "transform me", expected: "TRANSFORM ME"},
		{name: "chain", handlers: []Handler{upper(), prefix, echo()}, input: "hello", expected: "PREFIX:HELLO"},
		{
			name: "error",
			handlers: []Handler{echo(), HandlerFunc(func(_ *Request, _ *Response) error {
				return errors.New("handler error")
			})},
			input:   "error test",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New()
			for _, h := range tt.handlers {
				f.Use(h)
			}

			var output string
			err := f.Run(context.Background(), tt.input, &output)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && output != tt.expected {
				t.Errorf("Run() output = %q, want %q", output, tt.expected)
			}
		})
	}
}

func TestFlow_Run_ErrorUnblocksUpstream(t *testing.T) {
	boom := errors.New("boom")

	// The first stage writes far more than a pipe holds; the second fails
	// without reading. Run must return instead of deadlocking.
	f := New().
		UseFunc(func(_ *Request, res *Response) error {
			chunk := bytes.Repeat([]byte("x"), 64*1024)
			for range 64 {
				if _, err := res.Data.Write(chunk); err != nil {
					return err
				}
			}
			return nil
		}).
		UseFunc(func(_ *Request, _ *Response) error { return boom })

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), "", nil) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after a stage failed")
	}
}

func TestFlow_Run_EarlyReturnDrainsInput(t *testing.T) {
	// A stage that returns without reading must not block its producer.
	f := New().
		Use(echo()).
		UseFunc(func(_ *Request, res *Response) error {
			return Write(res, "ignored input")
		})

	var output string
	err := f.Run(context.Background(), strings.Repeat("y", 1<<20), &output)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if output != "ignored input" {
		t.Errorf("Run() output = %q", output)
	}
}

func TestFlow_Run_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	f := New().UseFunc(func(req *Request, _ *Response) error {
		<-req.Done()
		return req.Context.Err()
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := f.Run(ctx, "input", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestFlow_Run_IdleInput(t *testing.T) {
	stageErr := errors.New("stage failed")

	tests := []struct {
		name    string
		stage   HandlerFunc
		cancel  bool
		wantErr error
	}{
		{
			name:    "stage_failure",
			stage:   func(*Request, *Response) error { return stageErr },
			wantErr: stageErr,
		},
		{
			name: "context_canceled",
			stage: func(req *Request, res *Response) error {
				_, err := io.Copy(res.Data, req.Data)
				return err
			},
			cancel:  true,
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Nothing is ever written to the input, so its Read blocks.
			input, feed := io.Pipe()
			defer feed.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				time.AfterFunc(20*time.Millisecond, cancel)
			}

			done := make(chan error, 1)
			go func() { done <- New().Use(tt.stage).Run(ctx, input, io.Discard) }()

			select {
			case err := <-done:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Run() still blocked on an idle input")
			}
		})
	}
}

func TestFlow_Run_InputReadError(t *testing.T) {
	readErr := errors.New("disk gone")
	input := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(readErr))

	err := New().Use(echo()).Run(context.Background(), input, io.Discard)
	if !errors.Is(err, readErr) {
		t.Errorf("Run() error = %v, want %v", err, readErr)
	}
}

func TestFlow_Run_ConcurrencyLimit(t *testing.T) {
	var active, peak atomic.Int32
	stage := HandlerFunc(func(req *Request, res *Response) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		_, err := io.Copy(res.Data, req.Data)
		return err
	})

	// The limit is shared by every Run of the flow.
	f := New(Config{MaxConcurrent: 1}).Use(stage)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var output string
			if err := f.Run(context.Background(), "serial", &output); err != nil {
				errs <- err
			} else if output != "serial" {
				errs <- fmt.Errorf("output = %q", output)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Run() error = %v", err)
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestFlow_Run_RequestID(t *testing.T) {
	var seen string
	f := New().UseFunc(func(req *Request, res *Response) error {
		seen = RequestID(req.Context)
		_, err := io.Copy(res.Data, req.Data)
		return err
	})

	if err := f.Run(context.Background(), "x", nil); err != nil {
		t.Fatal(err)
	}
	if seen == "" {
		t.Error("Run() did not attach a request ID")
	}

	ctx := WithRequestID(context.Background(), "req-1")
	if err := f.Run(ctx, "x", nil); err != nil {
		t.Fatal(err)
	}
	if seen != "req-1" {
		t.Errorf("RequestID = %q, want caller's %q", seen, "req-1")
	}
}

func TestFlow_ServeFlow_Nested(t *testing.T) {
	sub := New().Use(upper())
	main := New().Use(sub).Use(echo())

	var output string
	if err := main.Run(context.Background(), "nested", &output); err != nil {
		t.Fatal(err)
	}
	if output != "NESTED" {
		t.Errorf("Run() output = %q, want %q", output, "NESTED")
	}

	var buf bytes.Buffer
	empty := New()
	if err := empty.ServeFlow(NewRequest(context.Background(), strings.NewReader("pass")), NewResponse(&buf)); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "pass" {
		t.Errorf("empty ServeFlow output = %q", buf.String())
	}
}

type upperConverter struct{ got string }

func (c *upperConverter) FromReader(r io.Reader) error {
	data, err := io.ReadAll(r)
	c.got = strings.ToUpper(string(data))
	return err
}

func TestFlow_Run_OutputTypes(t *testing.T) {
	f := New().Use(echo())
	ctx := context.Background()

	var b []byte
	if err := f.Run(ctx, "bytes", &b); err != nil || string(b) != "bytes" {
		t.Errorf("*[]byte output = %q, %v", b, err)
	}

	var r io.Reader
	if err := f.Run(ctx, "reader", &r); err != nil {
		t.Fatal(err)
	}
	if data, _ := io.ReadAll(r); string(data) != "reader" {
		t.Errorf("*io.Reader output = %q", data)
	}

	var w bytes.Buffer
	if err := f.Run(ctx, "writer", &w); err != nil || w.String() != "writer" {
		t.Errorf("io.Writer output = %q, %v", w.String(), err)
	}

	conv := &upperConverter{}
	if err := f.Run(ctx, "conv", conv); err != nil || conv.got != "CONV" {
		t.Errorf("converter output = %q, %v", conv.got, err)
	}

	var bad int
	if err := f.Run(ctx, "x", &bad); err == nil {
		t.Error("Run() with *int output should fail")
	}
	if err := f.Run(ctx, 42, nil); err == nil {
		t.Error("Run() with int input should fail")
	}
}
