package config

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/calque-ai/iostream/pkg/iostream"
	"github.com/calque-ai/iostream/pkg/middleware/cache"
	"github.com/calque-ai/iostream/pkg/middleware/logger"
	"github.com/calque-ai/iostream/pkg/middleware/observability"
)

func TestBuildWiresDeps(t *testing.T) {
	requireTools(t, "sh")

	marker := filepath.Join(t.TempDir(), "runs")
	p := &Pipeline{
		Name: "counted",
		Stages: []Stage{{
			Name:    "count",
			Command: "sh",
			Args:    []string{"-c", "echo run >> '" + marker + "'; echo warming up >&2; tr a-z A-Z"},
			Cache:   Duration(60e9),
		}},
	}

	store := cache.NewInMemoryStore()
	defer store.Close()
	metrics := observability.NewInMemoryMetricsProvider()
	tracer := observability.NewInMemoryTracerProvider()
	var logs strings.Builder
	stageLog := logger.New(logger.NewStandardAdapter(log.New(&logs, "", 0)))

	f, err := p.Build(Deps{
		StageLogger: stageLog,
		Metrics:     metrics,
		Tracer:      tracer,
		Cache:       cache.New(store),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	for range 2 {
		var out string
		if err := f.Run(context.Background(), "abc", &out); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if out != "ABC" {
			t.Fatalf("out = %q", out)
		}
	}

	data, _ := os.ReadFile(marker)
	if runs := strings.Count(string(data), "run"); runs != 1 {
		t.Errorf("process ran %d times, want 1 (second run cached)", runs)
	}

	labels := map[string]string{"stage": "count", "pipeline": "counted"}
	if got := metrics.GetCounter("iostream_stage_requests_total", labels); got != 2 {
		t.Errorf("stage requests = %d, want 2", got)
	}
	if got := metrics.GetCounter(iostream.MetricExits, map[string]string{"stage": "count", "pipeline": "counted", "class": "graceful"}); got != 1 {
		t.Errorf("graceful exits = %d, want 1", got)
	}
	if got := len(tracer.GetSpansByName("stage count")); got != 2 {
		t.Errorf("spans = %d, want 2", got)
	}
	for _, want := range []string{"[count] completed", "line=warming up", "command=sh"} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("logs missing %q:\n%s", want, logs.String())
		}
	}
}

func TestBuildCacheKeyedBySettings(t *testing.T) {
	requireTools(t, "sh", "ls")

	dirA, dirB := t.TempDir(), t.TempDir()
	for dir, name := range map[string]string{dirA: "only-in-a", dirB: "only-in-b"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	store := cache.NewInMemoryStore()
	defer store.Close()
	deps := Deps{Cache: cache.New(store)}

	tests := []struct {
		name  string
		stage Stage
		want  string
	}{
		{
			name:  "dir a",
			stage: Stage{Command: "ls", Settings: Settings{Dir: dirA}},
			want:  "only-in-a\n",
		},
		{
			name:  "dir b",
			stage: Stage{Command: "ls", Settings: Settings{Dir: dirB}},
			want:  "only-in-b\n",
		},
		{
			name:  "env",
			stage: Stage{Command: "sh", Args: []string{"-c", "echo $GREETING"}, Settings: Settings{Env: []string{"GREETING=hello"}}},
			want:  "hello\n",
		},
		{
			name:  "other env",
			stage: Stage{Command: "sh", Args: []string{"-c", "echo $GREETING"}, Settings: Settings{Env: []string{"GREETING=bye"}}},
			want:  "bye\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.stage.Cache = Duration(time.Hour)
			p := &Pipeline{Stages: []Stage{tt.stage}}
			f, err := p.Build(deps)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			var out string
			if err := f.Run(context.Background(), "", &out); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if out != tt.want {
				t.Errorf("out = %q, want %q", out, tt.want)
			}
		})
	}
	if n := len(store.List()); n != len(tests) {
		t.Errorf("cached entries = %d, want %d", n, len(tests))
	}
}

func TestBuildStageFailure(t *testing.T) {
	requireTools(t, "sh")

	p := &Pipeline{Stages: []Stage{{
		Command: "sh",
		Args:    []string{"-c", "cat >/dev/null; echo 'no such key' >&2; exit 5"},
	}}}
	f, err := p.Build(Deps{})
	if err != nil {
		t.Fatal(err)
	}
	err = f.Run(context.Background(), "x", new(string))
	if !errors.Is(err, iostream.ErrStderrFailure) || !errors.Is(err, iostream.ErrExitNonzero) {
		t.Fatalf("err = %v, want stderr failure of a nonzero exit", err)
	}
	if !strings.Contains(err.Error(), "no such key") {
		t.Errorf("error %q lacks stderr evidence", err)
	}
}

func TestBuildRejectsInvalid(t *testing.T) {
	p := &Pipeline{}
	if _, err := p.Build(Deps{}); err == nil {
		t.Error("Build() of an empty pipeline should fail")
	}
}

func TestBuildResilience(t *testing.T) {
	requireTools(t, "sh", "false", "cat", "sleep")

	marker := filepath.Join(t.TempDir(), "seen")
	flaky := "if [ -f '" + marker + "' ]; then cat; else touch '" + marker + "'; cat >/dev/null; exit 1; fi"

	tests := []struct {
		name    string
		yaml    string
		want    string
		wantErr error
	}{
		{
			name: "fallback command",
			yaml: "stages:\n  - command: \"false\"\n    fallback: [cat]\n",
			want: "payload",
		},
		{
			name: "retries transient failure",
			yaml: "stages:\n  - command: sh\n    args: [-c, \"" + flaky + "\"]\n    retries: 2\n",
			want: "payload",
		},
		{
			name:    "timeout",
			yaml:    "stages:\n  - command: sleep\n    args: [\"10\"]\n    timeout: 100ms\n",
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "rate limited",
			yaml: "stages:\n  - command: cat\n    rate_limit: 5\n",
			want: "payload",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			f, err := p.Build(Deps{})
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			var out string
			err = f.Run(context.Background(), "payload", &out)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if out != tt.want {
				t.Errorf("out = %q, want %q", out, tt.want)
			}
		})
	}
}
