package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/calque-ai/iostream/pkg/flow"
	"github.com/calque-ai/iostream/pkg/iostream"
)

type entry struct {
	level LogLevel
	msg   string
	attrs map[string]any
}

type recordingAdapter struct {
	mu      sync.Mutex
	min     LogLevel
	entries []entry
	printed []string
}

func (r *recordingAdapter) Log(_ context.Context, level LogLevel, msg string, attrs ...Attribute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := entry{level: level, msg: msg, attrs: map[string]any{}}
	for _, a := range attrs {
		e.attrs[a.Key] = a.Value
	}
	r.entries = append(r.entries, e)
}

func (r *recordingAdapter) IsLevelEnabled(_ context.Context, level LogLevel) bool {
	return level >= r.min
}

func (r *recordingAdapter) Printf(format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printed = append(r.printed, fmt.Sprintf(format, v...))
}

func (r *recordingAdapter) only(t *testing.T) entry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) != 1 {
		t.Fatalf("entries = %d, want 1: %+v", len(r.entries), r.entries)
	}
	return r.entries[0]
}

func serve(t *testing.T, h flow.Handler, input string) string {
	t.Helper()
	var out bytes.Buffer
	req := flow.NewRequest(context.Background(), strings.NewReader(input))
	if err := h.ServeFlow(req, flow.NewResponse(&out)); err != nil {
		t.Fatalf("ServeFlow() error = %v", err)
	}
	return out.String()
}

func TestHandlers(t *testing.T) {
	const input = "Hello, world! This is a longer message."

	tests := []struct {
		name  string
		build func(hb *HandlerBuilder) flow.Handler
		msg   string
		attrs map[string]any
	}{
		{
			name:  "head",
			build: func(hb *HandlerBuilder) flow.Handler { return hb.Head("stdin", 10) },
			msg:   "[stdin]",
			attrs: map[string]any{"preview": "Hello, wor"},
		},
		{
			name:  "head_longer_than_input",
			build: func(hb *HandlerBuilder) flow.Handler { return hb.Head("stdin", 4096) },
			msg:   "[stdin]",
			attrs: map[string]any{"preview": input},
		},
		{
			name:  "head_tail",
			build: func(hb *HandlerBuilder) flow.Handler { return hb.HeadTail("stdout", 5, 8) },
			msg:   "[stdout]",
			attrs: map[string]any{"head": "Hello", "tail": "message.", "total_bytes": len(input)},
		},
		{
			name:  "print",
			build: func(hb *HandlerBuilder) flow.Handler { return hb.Print("all", Attr("stage", 1)) },
			msg:   "[all]",
			attrs: map[string]any{"content": input, "total_bytes": len(input), "stage": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingAdapter{}
			got := serve(t, tt.build(New(rec).Info()), input)
			if got != input {
				t.Errorf("output = %q, want pass-through", got)
			}
			e := rec.only(t)
			if e.level != InfoLevel || e.msg != tt.msg {
				t.Errorf("entry = %v %q, want info %q", e.level, e.msg, tt.msg)
			}
			for k, want := range tt.attrs {
				if e.attrs[k] != want {
					t.Errorf("attr %s = %v, want %v", k, e.attrs[k], want)
				}
			}
		})
	}
}

func TestHandlerChunks(t *testing.T) {
	rec := &recordingAdapter{}
	got := serve(t, New(rec).Debug().Chunks("pipe", 4), "abcdefghij")
	if got != "abcdefghij" {
		t.Fatalf("output = %q", got)
	}
	if len(rec.entries) < 3 {
		t.Fatalf("entries = %d, want at least 3", len(rec.entries))
	}
	last := rec.entries[len(rec.entries)-1]
	if last.attrs["total_bytes"] != 10 {
		t.Errorf("total_bytes = %v, want 10", last.attrs["total_bytes"])
	}
}

func TestHandlerLevelFiltered(t *testing.T) {
	rec := &recordingAdapter{min: WarnLevel}
	if got := serve(t, New(rec).Debug().Head("x", 3), "abc"); got != "abc" {
		t.Fatalf("output = %q", got)
	}
	if len(rec.entries) != 0 {
		t.Errorf("debug entry logged below min level: %+v", rec.entries)
	}
}

func TestHandlerTiming(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		rec := &recordingAdapter{}
		upper := flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
			var s string
			if err := flow.Read(req, &s); err != nil {
				return err
			}
			return flow.Write(res, strings.ToUpper(s))
		})
		if got := serve(t, New(rec).Info().Timing("upper", upper), "abc"); got != "ABC" {
			t.Fatalf("output = %q", got)
		}
		e := rec.only(t)
		if e.msg != "[upper] completed" || e.attrs["bytes"] != int64(3) {
			t.Errorf("entry = %+v", e)
		}
	})

	t.Run("failure", func(t *testing.T) {
		rec := &recordingAdapter{}
		boom := errors.New("boom")
		failing := flow.HandlerFunc(func(*flow.Request, *flow.Response) error { return boom })
		req := flow.NewRequest(context.Background(), strings.NewReader("x"))
		err := New(rec).Warn().Timing("bad", failing).ServeFlow(req, flow.NewResponse(&bytes.Buffer{}))
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want boom", err)
		}
		e := rec.only(t)
		if e.msg != "[bad] failed" || e.attrs["error"] != boom {
			t.Errorf("entry = %+v", e)
		}
	})

	t.Run("process_stage", func(t *testing.T) {
		if _, err := exec.LookPath("cat"); err != nil {
			t.Skip("cat not available")
		}
		rec := &recordingAdapter{}
		f := flow.New().Use(New(rec).Info().Timing("cat", iostream.Handler("cat", nil)))
		var out string
		if err := f.Run(context.Background(), "through a process", &out); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if out != "through a process" {
			t.Errorf("output = %q", out)
		}
		if e := rec.only(t); e.attrs["bytes"] != int64(len(out)) {
			t.Errorf("bytes = %v, want %d", e.attrs["bytes"], len(out))
		}
	})
}

func TestPrintBuilder(t *testing.T) {
	rec := &recordingAdapter{}
	serve(t, New(rec).Print().Head("p", 2, Attr("k", "v")), "xyz")
	if len(rec.printed) != 1 || rec.printed[0] != "[p] k=v preview=xy" {
		t.Errorf("printed = %q", rec.printed)
	}
}

func TestStandardAdapter(t *testing.T) {
	var buf bytes.Buffer
	a := NewStandardAdapter(log.New(&buf, "", 0))
	a.Log(context.Background(), WarnLevel, "spawned", Attr("pid", 42))
	if got := buf.String(); got != "[WARN] spawned pid=42\n" {
		t.Errorf("output = %q", got)
	}
}

func TestZerologAdapter(t *testing.T) {
	var buf bytes.Buffer
	a := NewZerologAdapter(zerolog.New(&buf).Level(zerolog.InfoLevel))

	if a.IsLevelEnabled(context.Background(), DebugLevel) {
		t.Error("debug enabled on an info logger")
	}
	a.Log(context.Background(), DebugLevel, "hidden")
	a.Log(context.Background(), ErrorLevel, "exited", Attr("code", 3), Attr("error", errors.New("bad")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q, want 1", lines)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatal(err)
	}
	if got["level"] != "error" || got["message"] != "exited" || got["code"] != float64(3) || got["error"] != "bad" {
		t.Errorf("event = %v", got)
	}
}

func TestSlogBridge(t *testing.T) {
	rec := &recordingAdapter{min: InfoLevel}
	l := Slog(rec).With("component", "iostream").WithGroup("proc")

	l.Debug("dropped")
	l.Info("spawned", "pid", 7)

	e := rec.only(t)
	if e.msg != "spawned" || e.level != InfoLevel {
		t.Errorf("entry = %+v", e)
	}
	if e.attrs["component"] != "iostream" || e.attrs["proc.pid"] != int64(7) {
		t.Errorf("attrs = %v", e.attrs)
	}
	if !l.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn should be enabled")
	}
}

func TestStderrLines(t *testing.T) {
	rec := &recordingAdapter{}
	onLine := New(rec).StderrLines(context.Background(), WarnLevel, "jq")
	onLine("parse error")
	e := rec.only(t)
	if e.level != WarnLevel || e.attrs["command"] != "jq" || e.attrs["line"] != "parse error" {
		t.Errorf("entry = %+v", e)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"loud", InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
			}
		})
	}
}

func TestHeadTailCapture(t *testing.T) {
	c := newHeadTailCapture(3, 4)
	for _, p := range []string{"ab", "cdef", "g"} {
		c.Write([]byte(p))
	}
	if string(c.headBuf) != "abc" || string(c.tail()) != "defg" || c.totalBytes != 7 {
		t.Errorf("head=%q tail=%q total=%d", c.headBuf, c.tail(), c.totalBytes)
	}

	short := newHeadTailCapture(8, 8)
	short.Write([]byte("hi"))
	if string(short.tail()) != "hi" {
		t.Errorf("tail = %q, want hi", short.tail())
	}
}
