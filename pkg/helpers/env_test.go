package helpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mapEnv(vars map[string]string) Env {
	return Env{Prefix: "IOSTREAM_", Lookup: func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}}
}

func TestEnvLookups(t *testing.T) {
	env := mapEnv(map[string]string{
		"IOSTREAM_LEVEL":     "debug",
		"IOSTREAM_BLANK":     "  ",
		"IOSTREAM_LIMIT":     " 8 ",
		"IOSTREAM_BAD_LIMIT": "eight",
		"IOSTREAM_LAZY":      "false",
		"IOSTREAM_GRACE":     "250ms",
		"IOSTREAM_BAD_GRACE": "soon",
		"LEVEL":              "unprefixed",
	})

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"string", env.String("LEVEL", "info"), "debug"},
		{"string_blank", env.String("BLANK", "info"), "info"},
		{"string_missing", env.String("MISSING", "info"), "info"},
		{"int", env.Int("LIMIT", 1), 8},
		{"int_invalid", env.Int("BAD_LIMIT", 1), 1},
		{"bool", env.Bool("LAZY", true), false},
		{"duration", env.Duration("GRACE", time.Second), 250 * time.Millisecond},
		{"duration_invalid", env.Duration("BAD_GRACE", time.Second), time.Second},
		{"set", env.Set("LAZY"), true},
		{"set_blank", env.Set("BLANK"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	if err := os.WriteFile(file, []byte("IOSTREAM_TEST_DOTENV=from-file\nIOSTREAM_TEST_KEEP=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IOSTREAM_TEST_KEEP", "process")
	t.Setenv("IOSTREAM_TEST_DOTENV", "")
	os.Unsetenv("IOSTREAM_TEST_DOTENV")

	if err := LoadDotEnv(false, file); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	env := NewEnv("IOSTREAM_TEST_")
	if got := env.String("DOTENV", ""); got != "from-file" {
		t.Errorf("DOTENV = %q, want from-file", got)
	}
	if got := env.String("KEEP", ""); got != "process" {
		t.Errorf("KEEP = %q, existing variables must win", got)
	}

	missing := filepath.Join(dir, "missing.env")
	if err := LoadDotEnv(true, missing); err != nil {
		t.Errorf("optional missing file: %v", err)
	}
	if err := LoadDotEnv(false, missing); err == nil {
		t.Error("required missing file should fail")
	}
}
