package diagnostics

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestCollectorLines(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		writes   []string
		want     []string
		fragment string
	}{
		{
			name:   "single_line",
			writes: []string{"oops\n"},
			want:   []string{"oops"},
		},
		{
			name:   "progress_keeps_last_redraw",
			writes: []string{"progress 10%\rprogress 50%\rprogress 100%\n"},
			want:   []string{"progress 100%"},
		},
		{
			name:   "split_across_writes",
			writes: []string{"hel", "lo\nwor", "ld\n"},
			want:   []string{"hello", "world"},
		},
		{
			name:   "empty_lines_dropped",
			writes: []string{"\n\nfirst\n\n\rsecond\n\r\n"},
			want:   []string{"first", "second"},
		},
		{
			name:   "crlf_terminated",
			writes: []string{"one\r\ntwo\r\n"},
			want:   []string{"one", "two"},
		},
		{
			name:     "unterminated_fragment",
			writes:   []string{"done\nhalf"},
			want:     []string{"done"},
			fragment: "half",
		},
		{
			name:   "custom_delimiters",
			cfg:    Config{EOL: ";", BOL: "|"},
			writes: []string{"a|b;c;"},
			want:   []string{"b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.cfg)
			for _, w := range tt.writes {
				n, err := c.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := c.Lines(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Lines() = %q, want %q", got, tt.want)
			}
			if got := c.Fragment(); got != tt.fragment {
				t.Errorf("Fragment() = %q, want %q", got, tt.fragment)
			}
		})
	}
}

func TestCollectorMaxLines(t *testing.T) {
	c := New(Config{MaxLines: 2})
	c.Write([]byte("a\nb\nc\nd\n"))

	if got, want := c.Lines(), []string{"c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %q, want %q", got, want)
	}
	if c.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", c.Dropped())
	}
}

func TestCollectorOnLine(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	c := New(Config{OnLine: func(line string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, line)
	}})

	c.Write([]byte("x\ry\nz"))
	c.Write([]byte("\n"))

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"y", "z"}; !reflect.DeepEqual(got, want) {
		t.Errorf("OnLine saw %q, want %q", got, want)
	}
}

func TestCollectorFailure(t *testing.T) {
	cause := errors.New("process exited with code 1")

	t.Run("policy_off", func(t *testing.T) {
		c := New(Config{})
		c.Write([]byte("oops\n"))
		if err := c.Failure(false, cause); err != nil {
			t.Errorf("Failure(false) = %v, want nil", err)
		}
	})

	t.Run("nothing_collected", func(t *testing.T) {
		c := New(Config{})
		c.Write([]byte("\n\r\n"))
		if !c.Empty() {
			t.Error("Empty() = false for blank output")
		}
		if err := c.Failure(true, cause); err != nil {
			t.Errorf("Failure(true) = %v, want nil", err)
		}
	})

	t.Run("aggregates_lines", func(t *testing.T) {
		c := New(Config{})
		c.Write([]byte("oops\nlast words"))

		err := c.Failure(true, cause)
		var failure *Failure
		if !errors.As(err, &failure) {
			t.Fatalf("Failure() = %T, want *Failure", err)
		}
		if want := []string{"oops", "last words"}; !reflect.DeepEqual(failure.Lines, want) {
			t.Errorf("Lines = %q, want %q", failure.Lines, want)
		}
		if !errors.Is(err, cause) {
			t.Error("Failure() should wrap its cause")
		}
		if msg := err.Error(); !strings.Contains(msg, "oops") || !strings.Contains(msg, "code 1") {
			t.Errorf("Error() = %q", msg)
		}
	})
}

func TestCollectorConcurrentWrites(t *testing.T) {
	c := New(Config{MaxLines: 10000})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()

	if n := len(c.Lines()); n != 800 {
		t.Errorf("len(Lines()) = %d, want 800", n)
	}
}
