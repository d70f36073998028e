// Package diagnostics turns a raw stderr byte stream into discrete lines that
// can be attached to a process failure.
//
// Progress-style output redraws a line by emitting a carriage return and
// overwriting it. The collector keeps only what follows the last
// begin-of-line delimiter of each line, so a progress bar collapses to its
// final state instead of filling the diagnostics with intermediate frames.
package diagnostics

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultEOL terminates a line.
	DefaultEOL = "\n"
	// DefaultBOL starts a line over.
	DefaultBOL = "\r"
	// DefaultMaxLines bounds how many lines are retained; older lines are dropped.
	DefaultMaxLines = 1000
)

// Config configures a Collector. Zero values select the defaults.
type Config struct {
	EOL      string
	BOL      string
	MaxLines int
	// OnLine, when set, receives every complete line as it is parsed.
	OnLine func(line string)
}

// Collector is an io.Writer that splits what is written into lines.
// It is safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	eol      []byte
	bol      string
	maxLines int
	onLine   func(string)

	pending []byte
	lines   []string
	dropped int
}

// New returns a Collector configured by cfg.
func New(cfg Config) *Collector {
	if cfg.EOL == "" {
		cfg.EOL = DefaultEOL
	}
	if cfg.BOL == "" {
		cfg.BOL = DefaultBOL
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	return &Collector{
		eol:      []byte(cfg.EOL),
		bol:      cfg.BOL,
		maxLines: cfg.MaxLines,
		onLine:   cfg.OnLine,
	}
}

// Write buffers p and extracts every complete line. It never fails.
func (c *Collector) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.pending = append(c.pending, p...)

	var complete []string
	consumed := 0
	for {
		i := bytes.Index(c.pending[consumed:], c.eol)
		if i < 0 {
			break
		}
		line := c.strip(string(c.pending[consumed : consumed+i]))
		consumed += i + len(c.eol)
		if line == "" {
			continue
		}
		complete = append(complete, line)
		c.push(line)
	}
	if consumed > 0 {
		c.pending = append([]byte(nil), c.pending[consumed:]...)
	}
	onLine := c.onLine
	c.mu.Unlock()

	if onLine != nil {
		for _, line := range complete {
			onLine(line)
		}
	}
	return len(p), nil
}

// push appends a line, evicting the oldest one past maxLines. Caller holds mu.
func (c *Collector) push(line string) {
	if len(c.lines) == c.maxLines {
		copy(c.lines, c.lines[1:])
		c.lines = c.lines[:len(c.lines)-1]
		c.dropped++
	}
	c.lines = append(c.lines, line)
}

// strip drops everything up to the last begin-of-line delimiter. A delimiter
// at the very end is part of a CRLF-style terminator, not a redraw.
func (c *Collector) strip(line string) string {
	line = strings.TrimSuffix(line, c.bol)
	if i := strings.LastIndex(line, c.bol); i >= 0 {
		line = line[i+len(c.bol):]
	}
	return line
}

// Lines returns the complete lines collected so far, oldest first.
func (c *Collector) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// Fragment returns the unterminated tail of the stream.
func (c *Collector) Fragment() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strip(string(c.pending))
}

// Dropped returns how many lines were evicted by the MaxLines bound.
func (c *Collector) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Empty reports whether nothing worth reporting was collected.
func (c *Collector) Empty() bool {
	return len(c.Lines()) == 0 && c.Fragment() == ""
}

// Failure aggregates the collected lines into an error describing cause.
//
// It returns nil when the policy is disabled or nothing was collected, in
// which case the collected content is discarded.
func (c *Collector) Failure(policy bool, cause error) error {
	if !policy {
		return nil
	}
	lines := c.Lines()
	if frag := c.Fragment(); frag != "" {
		lines = append(lines, frag)
	}
	if len(lines) == 0 {
		return nil
	}
	return &Failure{Lines: lines, Dropped: c.Dropped(), Cause: cause}
}

// Failure is a process failure together with the stderr lines it produced.
type Failure struct {
	Lines   []string
	Dropped int
	Cause   error
}

func (f *Failure) Error() string {
	var b strings.Builder
	if f.Cause != nil {
		b.WriteString(f.Cause.Error())
		b.WriteString(": ")
	}
	b.WriteString("stderr:")
	if f.Dropped > 0 {
		b.WriteString(" (")
		b.WriteString(strconv.Itoa(f.Dropped))
		b.WriteString(" earlier lines dropped)")
	}
	for _, line := range f.Lines {
		b.WriteString("\n  ")
		b.WriteString(line)
	}
	return b.String()
}

func (f *Failure) Unwrap() error {
	return f.Cause
}
