// iostream pipes standard input through one process, or through a pipeline
// of processes described in a YAML file, with flow control on both ends.
//
// Usage:
//
//	iostream [flags] -- command [args...]
//	iostream run [flags] -config pipeline.yaml
//	iostream schema
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/calque-ai/iostream/pkg/config"
	"github.com/calque-ai/iostream/pkg/helpers"
	"github.com/calque-ai/iostream/pkg/iostream"
	"github.com/calque-ai/iostream/pkg/middleware/cache"
	"github.com/calque-ai/iostream/pkg/middleware/logger"
	"github.com/calque-ai/iostream/pkg/middleware/observability"
	"github.com/calque-ai/iostream/pkg/process"
)

// Version information injected at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath     string
	eager          bool
	noStderrPolicy bool
	logLevel       string
	logFormat      string
	metricsAddr    string
	otlpEndpoint   string
	cacheDir       string
	cacheTTL       time.Duration
	envFile        string
}

func (o *options) register(fs *flag.FlagSet, withConfig bool) {
	if withConfig {
		fs.StringVar(&o.configPath, "config", "", "Path to the pipeline file")
		fs.StringVar(&o.configPath, "c", "", "Path to the pipeline file (shorthand)")
	} else {
		fs.DurationVar(&o.cacheTTL, "cache-ttl", 0, "Cache process output for this long (requires -cache-dir)")
	}
	fs.BoolVar(&o.eager, "eager", false, "Spawn processes immediately instead of on first use")
	fs.BoolVar(&o.noStderrPolicy, "no-stderr-policy", false, "Do not turn stderr output of failed processes into errors")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	fs.StringVar(&o.logFormat, "log-format", "console", "Log format (console, json)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&o.otlpEndpoint, "otlp-endpoint", "", "Export traces to this OTLP collector (host:port for gRPC, or an http(s):// URL)")
	fs.StringVar(&o.cacheDir, "cache-dir", "", "Directory of the persistent output cache")
	fs.StringVar(&o.envFile, "env-file", "", "Load environment variables from this file before reading IOSTREAM_ settings")
}

// run executes the command line and returns the exit status.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		switch args[0] {
		case "schema":
			return printSchema(stdout, stderr)
		case "version":
			fmt.Fprintf(stdout, "iostream %s\n", version)
			return 0
		case "run":
			return runPipeline(ctx, args[1:], stdin, stdout, stderr)
		}
	}
	return runCommand(ctx, args, stdin, stdout, stderr)
}

func printSchema(stdout, stderr io.Writer) int {
	schema, err := config.Schema()
	if err != nil {
		fmt.Fprintf(stderr, "iostream: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s\n", schema)
	return 0
}

func runCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var opts options
	fs := flag.NewFlagSet("iostream", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.register(fs, false)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: iostream [flags] -- command [args...]")
		fmt.Fprintln(stderr, "       iostream run [flags] -config pipeline.yaml")
		fmt.Fprintln(stderr, "       iostream schema")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	p := &config.Pipeline{
		Name: "cli",
		Stages: []config.Stage{{
			Command: fs.Arg(0),
			Args:    fs.Args()[1:],
			Cache:   config.Duration(opts.cacheTTL),
		}},
	}
	return execute(ctx, p, &opts, stdin, stdout, stderr)
}

func runPipeline(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var opts options
	fs := flag.NewFlagSet("iostream run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.register(fs, true)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if opts.configPath == "" {
		fmt.Fprintln(stderr, "iostream run: -config is required")
		return 2
	}

	if err := loadEnvFile(opts.envFile); err != nil {
		fmt.Fprintf(stderr, "iostream: %v\n", err)
		return 1
	}
	p, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "iostream: %v\n", err)
		return 1
	}
	return execute(ctx, p, &opts, stdin, stdout, stderr)
}

func loadEnvFile(path string) error {
	if path == "" {
		return helpers.LoadDotEnv(true, ".env")
	}
	return helpers.LoadDotEnv(false, path)
}

// execute wires the shared services, builds p and streams stdin through it.
func execute(ctx context.Context, p *config.Pipeline, opts *options, stdin io.Reader, stdout, stderr io.Writer) int {
	if opts.configPath == "" {
		if err := loadEnvFile(opts.envFile); err != nil {
			fmt.Fprintf(stderr, "iostream: %v\n", err)
			return 1
		}
	}

	p.ApplyEnv(helpers.NewEnv(config.EnvPrefix))
	if opts.eager {
		lazy := false
		p.Defaults.Lazy = &lazy
	}
	if opts.noStderrPolicy {
		policy := false
		p.Defaults.StderrPolicy = &policy
	}

	level, err := logger.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "iostream: %v\n", err)
		return 2
	}
	adapter, err := newZerologAdapter(stderr, opts.logFormat, level)
	if err != nil {
		fmt.Fprintf(stderr, "iostream: %v\n", err)
		return 2
	}
	log := logger.Slog(adapter)
	deps := config.Deps{
		Logger:      log,
		StageLogger: logger.New(adapter),
	}

	if opts.metricsAddr != "" {
		provider := observability.NewPrometheusProvider()
		shutdown, err := serveMetrics(opts.metricsAddr, provider, log)
		if err != nil {
			fmt.Fprintf(stderr, "iostream: %v\n", err)
			return 1
		}
		defer shutdown()
		deps.Metrics = provider
	}

	if opts.otlpEndpoint != "" {
		tracer, err := observability.NewOTLPTracerProvider(ctx, observability.OTLPConfig{
			ServiceName:    "iostream",
			ServiceVersion: version,
			Endpoint:       opts.otlpEndpoint,
		})
		if err != nil {
			fmt.Fprintf(stderr, "iostream: %v\n", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracer.Shutdown(shutdownCtx); err != nil {
				log.Warn("tracer shutdown failed", "error", err)
			}
		}()
		deps.Tracer = tracer
	}

	if opts.cacheDir != "" {
		store, err := cache.OpenBadgerStore(opts.cacheDir)
		if err != nil {
			fmt.Fprintf(stderr, "iostream: %v\n", err)
			return 1
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn("cache close failed", "error", err)
			}
		}()
		c := cache.New(store)
		c.OnError(func(err error) { log.Warn("cache unavailable", "error", err) })
		deps.Cache = c
	}

	f, err := p.Build(deps)
	if err != nil {
		fmt.Fprintf(stderr, "iostream: %v\n", err)
		return 1
	}

	if err := f.Run(ctx, stdin, stdout); err != nil {
		var streamErr *iostream.Error
		if errors.As(err, &streamErr) {
			log.LogAttrs(ctx, slog.LevelError, "pipeline failed", streamErr.LogAttrs()...)
		}
		fmt.Fprintf(stderr, "iostream: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode mirrors the exit status of a process that exited nonzero.
func exitCode(err error) int {
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.Outcome.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}

func newZerologAdapter(w io.Writer, format string, level logger.LogLevel) (*logger.ZerologAdapter, error) {
	var out io.Writer
	switch format {
	case "json":
		out = w
	case "console", "":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: true}
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	zl := zerolog.New(out).Level(zerologLevel(level)).With().Timestamp().Logger()
	return logger.NewZerologAdapter(zl), nil
}

func zerologLevel(level logger.LogLevel) zerolog.Level {
	switch level {
	case logger.DebugLevel:
		return zerolog.DebugLevel
	case logger.WarnLevel:
		return zerolog.WarnLevel
	case logger.ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// serveMetrics starts the metrics endpoint and returns its shutdown func.
func serveMetrics(addr string, provider *observability.PrometheusProvider, log *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
