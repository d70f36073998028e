// Package config loads pipeline definitions from YAML and builds them into
// flows of process stages.
//
//	name: pretty-sorted
//	defaults:
//	  kill_grace: 5s
//	stages:
//	  - builtin: yaml2json
//	  - command: jq
//	    args: ["-S", "."]
//	    cache: 10m
//	  - command: cat
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/invopop/jsonschema"

	"github.com/calque-ai/iostream/pkg/helpers"
)

// Builtin stage names.
const (
	BuiltinYAMLToJSON = "yaml2json"
	BuiltinJSONToYAML = "json2yaml"
)

// EnvPrefix prefixes the environment variables ApplyEnv reads.
const EnvPrefix = "IOSTREAM_"

// Pipeline is a named chain of stages.
type Pipeline struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"description=Pipeline name used in logs and metrics"`

	// MaxConcurrent bounds live stages across concurrent runs: 0 is
	// unlimited, -1 derives a limit from the CPU count.
	MaxConcurrent int `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty" validate:"gte=-1" jsonschema:"minimum=-1,description=0 unlimited; -1 CPU based; otherwise at least the number of stages"`

	Defaults Settings `yaml:"defaults,omitempty" json:"defaults,omitempty" jsonschema:"description=Settings applied to every process stage"`
	Stages   []Stage  `yaml:"stages" json:"stages" validate:"required,min=1,dive" jsonschema:"minItems=1"`
}

// Settings tune process stages. Unset fields keep the stream defaults.
type Settings struct {
	Lazy               *bool     `yaml:"lazy,omitempty" json:"lazy,omitempty" jsonschema:"description=Spawn on first use (default true)"`
	StderrPolicy       *bool     `yaml:"stderr_policy,omitempty" json:"stderr_policy,omitempty" jsonschema:"description=Report stderr lines with failures (default true)"`
	EOL                string    `yaml:"eol,omitempty" json:"eol,omitempty"`
	BOL                string    `yaml:"bol,omitempty" json:"bol,omitempty"`
	WriteHighWaterMark int       `yaml:"write_high_water_mark,omitempty" json:"write_high_water_mark,omitempty" validate:"gte=0"`
	ReadHighWaterMark  int       `yaml:"read_high_water_mark,omitempty" json:"read_high_water_mark,omitempty" validate:"gte=0"`
	KillGrace          *Duration `yaml:"kill_grace,omitempty" json:"kill_grace,omitempty"`
	MaxStderrLines     int       `yaml:"max_stderr_lines,omitempty" json:"max_stderr_lines,omitempty" validate:"gte=0"`
	Dir                string    `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env                []string  `yaml:"env,omitempty" json:"env,omitempty" validate:"omitempty,dive,contains==" jsonschema:"description=Entries added to the inherited environment"`
}

// Stage is one pipeline step: a command or a builtin.
type Stage struct {
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Command string   `yaml:"command,omitempty" json:"command,omitempty" validate:"required_without=Builtin,excluded_with=Builtin"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
	Builtin string   `yaml:"builtin,omitempty" json:"builtin,omitempty" validate:"omitempty,oneof=yaml2json json2yaml" jsonschema:"enum=yaml2json,enum=json2yaml"`

	// Cache memoizes the stage output by input for this long. 0 disables.
	Cache Duration `yaml:"cache,omitempty" json:"cache,omitempty" validate:"gte=0"`

	// Timeout bounds each run of the stage, retries included.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`

	// Retries reruns the stage after transient process failures.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty" validate:"gte=0,lte=10" jsonschema:"minimum=0,maximum=10"`

	// Fallback is a command line run when the command fails.
	Fallback []string `yaml:"fallback,omitempty" json:"fallback,omitempty" validate:"excluded_with=Builtin,dive,required" jsonschema:"description=Command and arguments tried when the command fails"`

	// RateLimit caps process spawns per second. 0 is unlimited.
	RateLimit int `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty" validate:"gte=0"`

	Settings `yaml:",inline"`
}

// Label names the stage in logs, spans and metrics.
func (s Stage) Label() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Builtin != "":
		return s.Builtin
	default:
		return s.Command
	}
}

// Duration is a time.Duration written as a Go duration string ("1m30s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// JSONSchema describes Duration as a duration string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$|^0$`,
		Description: "Go duration string, e.g. 500ms, 2s, 1h30m",
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Load reads and validates a pipeline file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a pipeline. Unknown fields are rejected.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.UnmarshalWithOptions(data, &p, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks field constraints and that a concurrency limit leaves
// room for every stage of one run.
func (p *Pipeline) Validate() error {
	if err := validate.Struct(p); err != nil {
		return formatValidation(err)
	}
	if p.MaxConcurrent > 0 && p.MaxConcurrent < len(p.Stages) {
		return fmt.Errorf("invalid pipeline: max_concurrent %d is below the %d stages of one run", p.MaxConcurrent, len(p.Stages))
	}
	return nil
}

func formatValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid pipeline: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Pipeline.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid pipeline: %s", strings.Join(msgs, "; "))
}

// ApplyEnv overrides pipeline defaults from IOSTREAM_* variables:
// MAX_CONCURRENT, LAZY, STDERR_POLICY, KILL_GRACE, WRITE_HIGH_WATER_MARK,
// READ_HIGH_WATER_MARK and MAX_STDERR_LINES. Invalid values are ignored.
func (p *Pipeline) ApplyEnv(env helpers.Env) {
	p.MaxConcurrent = env.Int("MAX_CONCURRENT", p.MaxConcurrent)
	d := &p.Defaults
	if env.Set("LAZY") {
		v := env.Bool("LAZY", boolOr(d.Lazy, true))
		d.Lazy = &v
	}
	if env.Set("STDERR_POLICY") {
		v := env.Bool("STDERR_POLICY", boolOr(d.StderrPolicy, true))
		d.StderrPolicy = &v
	}
	if v := env.Duration("KILL_GRACE", -1); v >= 0 {
		grace := Duration(v)
		d.KillGrace = &grace
	}
	d.WriteHighWaterMark = env.Int("WRITE_HIGH_WATER_MARK", d.WriteHighWaterMark)
	d.ReadHighWaterMark = env.Int("READ_HIGH_WATER_MARK", d.ReadHighWaterMark)
	d.MaxStderrLines = env.Int("MAX_STDERR_LINES", d.MaxStderrLines)
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Schema returns the JSON Schema of a pipeline file.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{ExpandedStruct: true}
	s := r.Reflect(&Pipeline{})
	s.Title = "iostream pipeline"
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return out, nil
}
