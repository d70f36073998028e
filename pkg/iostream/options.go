package iostream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/calque-ai/iostream/pkg/diagnostics"
)

const (
	// DefaultHighWaterMark is the default buffering threshold, in bytes, of
	// both the write and the read side.
	DefaultHighWaterMark = 16 * 1024
	// DefaultKillGrace is how long a canceled process gets between SIGTERM
	// and SIGKILL.
	DefaultKillGrace = 2 * time.Second
)

// Config is the validated configuration of a Stream. Build it with New and
// Options; the zero value is not usable.
type Config struct {
	Command string   `validate:"required"`
	Args    []string
	Dir     string
	Env     []string `validate:"omitempty,dive,contains=="`

	// Lazy defers the spawn until the first Write or Read.
	Lazy bool
	// StderrPolicy turns captured stderr lines into failure evidence when
	// the process fails.
	StderrPolicy bool
	EOL          string `validate:"required"`
	BOL          string `validate:"required"`

	WriteHighWaterMark int           `validate:"gt=0"`
	ReadHighWaterMark  int           `validate:"gt=0"`
	KillGrace          time.Duration `validate:"gte=0"`
	MaxStderrLines     int           `validate:"gte=0"`

	Logger       *slog.Logger      `validate:"-"`
	OnStderrLine func(line string) `validate:"-"`
	Metrics      Recorder          `validate:"-"`
	MetricLabels map[string]string `validate:"-"`

	ctx context.Context
}

// Option configures a Stream.
type Option func(*Config)

func defaultConfig(command string, args []string) Config {
	return Config{
		Command:            command,
		Args:               args,
		Lazy:               true,
		StderrPolicy:       true,
		EOL:                diagnostics.DefaultEOL,
		BOL:                diagnostics.DefaultBOL,
		WriteHighWaterMark: DefaultHighWaterMark,
		ReadHighWaterMark:  DefaultHighWaterMark,
		KillGrace:          DefaultKillGrace,
		MaxStderrLines:     diagnostics.DefaultMaxLines,
		ctx:                context.Background(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid iostream config: %w", err)
	}
	return nil
}

// pipeStderr reports whether anything consumes the process's stderr.
func (c *Config) pipeStderr() bool {
	return c.StderrPolicy || c.OnStderrLine != nil
}

// WithLazy controls whether the process is spawned on first use (true, the
// default) or immediately by New (false).
func WithLazy(lazy bool) Option {
	return func(c *Config) { c.Lazy = lazy }
}

// WithStderrPolicy controls whether stderr output turns a process failure
// into an ErrStderrFailure carrying the captured lines. Default true. When
// disabled, and no WithStderrLine callback is set, stderr is inherited.
func WithStderrPolicy(enabled bool) Option {
	return func(c *Config) { c.StderrPolicy = enabled }
}

// WithEOL sets the stderr end-of-line delimiter. Default "\n".
func WithEOL(eol string) Option {
	return func(c *Config) { c.EOL = eol }
}

// WithBOL sets the stderr begin-of-line delimiter. Default "\r".
func WithBOL(bol string) Option {
	return func(c *Config) { c.BOL = bol }
}

// WithLogger sets the logger. Default is the logger carried by the
// WithContext context, or slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithDir sets the process's working directory.
func WithDir(dir string) Option {
	return func(c *Config) { c.Dir = dir }
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(c *Config) { c.Env = append(c.Env, env...) }
}

// WithWriteHighWaterMark sets how many bytes may be queued for the process
// before write acknowledgments are deferred until the queue drains.
func WithWriteHighWaterMark(n int) Option {
	return func(c *Config) { c.WriteHighWaterMark = n }
}

// WithReadHighWaterMark sets how many bytes of process output are buffered
// before reading from the process is paused.
func WithReadHighWaterMark(n int) Option {
	return func(c *Config) { c.ReadHighWaterMark = n }
}

// WithKillGrace sets the delay between SIGTERM and SIGKILL on cancellation.
func WithKillGrace(d time.Duration) Option {
	return func(c *Config) { c.KillGrace = d }
}

// WithMaxStderrLines bounds how many stderr lines are kept for diagnostics.
func WithMaxStderrLines(n int) Option {
	return func(c *Config) { c.MaxStderrLines = n }
}

// WithStderrLine streams every parsed stderr line to fn as it arrives.
// fn is called from an internal goroutine and must not block for long.
func WithStderrLine(fn func(line string)) Option {
	return func(c *Config) { c.OnStderrLine = fn }
}

// WithMetrics records stream metrics to r, tagging every sample with labels.
func WithMetrics(r Recorder, labels map[string]string) Option {
	return func(c *Config) {
		c.Metrics = r
		c.MetricLabels = labels
	}
}

// WithContext attaches a context whose logger, trace ID and request ID are
// carried into logs and errors. Canceling it does not cancel the stream; use
// Close or Handler for that.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx = ctx
		}
	}
}
