package config

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/calque-ai/iostream/pkg/convert"
	"github.com/calque-ai/iostream/pkg/flow"
	"github.com/calque-ai/iostream/pkg/iostream"
	"github.com/calque-ai/iostream/pkg/middleware/cache"
	"github.com/calque-ai/iostream/pkg/middleware/ctrl"
	"github.com/calque-ai/iostream/pkg/middleware/logger"
	"github.com/calque-ai/iostream/pkg/middleware/observability"
)

// Deps are the shared services stages are wired to. Every field is
// optional.
type Deps struct {
	// Logger is the stream logger of every process stage.
	Logger *slog.Logger

	// StageLogger times each stage and logs process stderr lines at warn.
	StageLogger *logger.Logger

	Metrics observability.MetricsProvider
	Tracer  observability.TracerProvider

	// Cache serves stages with a cache TTL. Without it the TTL is ignored.
	Cache *cache.Cache
}

// Build turns p into a flow. Stages are wrapped, innermost first, in the
// fallback, retries, the timeout, the spawn rate limit, the cache, a
// tracing span, metrics and stage timing.
func (p *Pipeline) Build(deps Deps) (*flow.Flow, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	f := flow.New(flow.Config{MaxConcurrent: p.MaxConcurrent, CPUMultiplier: flow.DefaultCPUMultiplier})
	for i, stage := range p.Stages {
		h, err := p.stageHandler(stage, deps)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, stage.Label(), err)
		}
		f.Use(h)
	}
	return f, nil
}

func (p *Pipeline) stageHandler(stage Stage, deps Deps) (flow.Handler, error) {
	label := stage.Label()
	labels := map[string]string{"stage": label}
	if p.Name != "" {
		labels["pipeline"] = p.Name
	}

	settings := merge(p.Defaults, stage.Settings)
	var opts []iostream.Option
	if stage.Builtin == "" {
		opts = settings.options()
		if deps.Logger != nil {
			opts = append(opts, iostream.WithLogger(deps.Logger))
		}
		if deps.Metrics != nil {
			opts = append(opts, iostream.WithMetrics(deps.Metrics, labels))
		}
		if deps.StageLogger != nil {
			opts = append(opts, iostream.WithStderrLine(
				deps.StageLogger.StderrLines(context.Background(), logger.WarnLevel, stage.Command)))
		}
	}

	var h flow.Handler
	switch stage.Builtin {
	case BuiltinYAMLToJSON:
		h = convert.YAMLToJSON()
	case BuiltinJSONToYAML:
		h = convert.JSONToYAML()
	case "":
		h = iostream.Handler(stage.Command, stage.Args, opts...)
	default:
		return nil, fmt.Errorf("unknown builtin %q", stage.Builtin)
	}

	if len(stage.Fallback) > 0 {
		h = ctrl.Fallback(h, iostream.Handler(stage.Fallback[0], stage.Fallback[1:], opts...))
	}
	if stage.Retries > 0 {
		retry := ctrl.DefaultRetryConfig()
		retry.MaxAttempts = stage.Retries + 1
		if deps.Logger != nil {
			log := deps.Logger.With("stage", label)
			retry.OnRetry = func(err error, wait time.Duration) {
				log.Warn("retrying stage", "error", err, "wait", wait)
			}
		}
		h = ctrl.Retry(h, retry)
	}
	if timeout := time.Duration(stage.Timeout); timeout > 0 {
		h = ctrl.Timeout(h, timeout)
	}
	if stage.RateLimit > 0 {
		h = ctrl.RateLimit(h, stage.RateLimit, time.Second)
	}
	if ttl := time.Duration(stage.Cache); ttl > 0 && deps.Cache != nil {
		h = deps.Cache.Scoped(stage.cacheScope(settings), h, ttl)
	}
	if deps.Tracer != nil {
		h = observability.TracingHandler(deps.Tracer, "stage "+label, h)
	}
	if deps.Metrics != nil {
		h = observability.MetricsHandler(deps.Metrics, labels, h)
	}
	if deps.StageLogger != nil {
		h = deps.StageLogger.Info().Timing(label, h, logger.Attr("stage", label))
	}
	return h, nil
}

// cacheScope keys a stage's cached output by everything that can change it
// apart from the input.
func (s Stage) cacheScope(settings Settings) string {
	if s.Builtin != "" {
		return "builtin:" + s.Builtin
	}
	return cache.Invocation{
		Command:  s.Command,
		Args:     s.Args,
		Dir:      settings.Dir,
		Env:      settings.Env,
		Fallback: s.Fallback,
	}.Scope()
}

// merge overlays stage settings on the pipeline defaults.
func merge(base, over Settings) Settings {
	out := base
	if over.Lazy != nil {
		out.Lazy = over.Lazy
	}
	if over.StderrPolicy != nil {
		out.StderrPolicy = over.StderrPolicy
	}
	if over.EOL != "" {
		out.EOL = over.EOL
	}
	if over.BOL != "" {
		out.BOL = over.BOL
	}
	if over.WriteHighWaterMark > 0 {
		out.WriteHighWaterMark = over.WriteHighWaterMark
	}
	if over.ReadHighWaterMark > 0 {
		out.ReadHighWaterMark = over.ReadHighWaterMark
	}
	if over.KillGrace != nil {
		out.KillGrace = over.KillGrace
	}
	if over.MaxStderrLines > 0 {
		out.MaxStderrLines = over.MaxStderrLines
	}
	if over.Dir != "" {
		out.Dir = over.Dir
	}
	out.Env = slices.Concat(base.Env, over.Env)
	return out
}

// options converts s to stream options, leaving unset fields at the
// stream defaults.
func (s Settings) options() []iostream.Option {
	var opts []iostream.Option
	if s.Lazy != nil {
		opts = append(opts, iostream.WithLazy(*s.Lazy))
	}
	if s.StderrPolicy != nil {
		opts = append(opts, iostream.WithStderrPolicy(*s.StderrPolicy))
	}
	if s.EOL != "" {
		opts = append(opts, iostream.WithEOL(s.EOL))
	}
	if s.BOL != "" {
		opts = append(opts, iostream.WithBOL(s.BOL))
	}
	if s.WriteHighWaterMark > 0 {
		opts = append(opts, iostream.WithWriteHighWaterMark(s.WriteHighWaterMark))
	}
	if s.ReadHighWaterMark > 0 {
		opts = append(opts, iostream.WithReadHighWaterMark(s.ReadHighWaterMark))
	}
	if s.KillGrace != nil {
		opts = append(opts, iostream.WithKillGrace(time.Duration(*s.KillGrace)))
	}
	if s.MaxStderrLines > 0 {
		opts = append(opts, iostream.WithMaxStderrLines(s.MaxStderrLines))
	}
	if s.Dir != "" {
		opts = append(opts, iostream.WithDir(s.Dir))
	}
	if len(s.Env) > 0 {
		opts = append(opts, iostream.WithEnv(s.Env...))
	}
	return opts
}
