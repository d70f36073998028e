// Package helpers reads configuration from the environment.
package helpers

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Env reads variables under a common prefix, e.g. IOSTREAM_.
type Env struct {
	Prefix string

	// Lookup defaults to os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// NewEnv returns an Env for prefix backed by the process environment.
func NewEnv(prefix string) Env {
	return Env{Prefix: prefix, Lookup: os.LookupEnv}
}

// Key returns the full variable name for name.
func (e Env) Key(name string) string {
	return e.Prefix + name
}

func (e Env) value(name string) (string, bool) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(e.Key(name))
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// String returns the variable or def when unset or empty.
//
// Example:
//
//	level := helpers.NewEnv("IOSTREAM_").String("LOG_LEVEL", "info")
func (e Env) String(name, def string) string {
	if v, ok := e.value(name); ok {
		return v
	}
	return def
}

// Int returns the variable as an int, or def when unset or invalid.
func (e Env) Int(name string, def int) int {
	if v, ok := e.value(name); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the variable as a bool, or def when unset or invalid.
func (e Env) Bool(name string, def bool) bool {
	if v, ok := e.value(name); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Duration returns the variable as a time.Duration, or def when unset or
// invalid.
func (e Env) Duration(name string, def time.Duration) time.Duration {
	if v, ok := e.value(name); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

// Set reports whether the variable is set to a non-empty value.
func (e Env) Set(name string) bool {
	_, ok := e.value(name)
	return ok
}

// LoadDotEnv loads files into the process environment without overriding
// variables that are already set. A missing file is not an error when
// optional is true.
func LoadDotEnv(optional bool, files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if optional && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}
