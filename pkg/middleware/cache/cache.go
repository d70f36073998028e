// Package cache memoizes stage output by input. A cached process stage is
// not spawned again for an input it has already transformed successfully.
//
//	c := cache.New(cache.NewInMemoryStore())
//	f := flow.New().Use(c.Command("jq", []string{"-S", "."}, time.Hour))
//
// Failed runs are never cached.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/calque-ai/iostream/pkg/flow"
	"github.com/calque-ai/iostream/pkg/iostream"
)

// Store is a cache backend with TTL support.
type Store interface {
	// Get returns nil, nil when key is missing or expired.
	Get(key string) ([]byte, error)

	// Set stores value for ttl. A ttl of 0 never expires.
	Set(key string, value []byte, ttl time.Duration) error

	Delete(key string) error
	Clear() error
	Exists(key string) bool

	// List returns all non-expired keys.
	List() []string
}

// Cache wraps handlers with a Store.
type Cache struct {
	store   Store
	onError func(error)
}

// New creates a Cache backed by store.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// OnError sets a callback for store failures. Store failures never fail
// the stage: a failed read is a miss and a failed write is dropped.
func (c *Cache) OnError(callback func(error)) {
	c.onError = callback
}

// Handler caches handler's output under the SHA-256 of its input.
//
// Behavior: BUFFERED - the input is read fully to compute the key, and the
// output is buffered on a miss.
func (c *Cache) Handler(handler flow.Handler, ttl time.Duration) flow.Handler {
	return c.Scoped("", handler, ttl)
}

// Command caches a process stage. The key covers the command line, the
// working directory and environment set by opts, and the input, so one
// store can serve many commands.
func (c *Cache) Command(command string, args []string, ttl time.Duration, opts ...iostream.Option) flow.Handler {
	var cfg iostream.Config
	for _, opt := range opts {
		opt(&cfg)
	}
	inv := Invocation{Command: command, Args: args, Dir: cfg.Dir, Env: cfg.Env}
	return c.Scoped(inv.Scope(), iostream.Handler(command, args, opts...), ttl)
}

// Scoped is Handler with keys confined to scope, so stages sharing a store
// do not read each other's entries.
func (c *Cache) Scoped(scope string, handler flow.Handler, ttl time.Duration) flow.Handler {
	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		input, err := io.ReadAll(req.Data)
		if err != nil {
			return err
		}
		key := Key(scope, input)

		if cached, err := c.store.Get(key); err != nil {
			c.report(fmt.Errorf("cache read failed: %w", err))
		} else if cached != nil {
			flow.LogDebug(req.Context, "cache hit", "key", key[:12], "bytes", len(cached))
			_, err := res.Data.Write(cached)
			return err
		}

		var output bytes.Buffer
		if err := handler.ServeFlow(flow.NewRequest(req.Context, bytes.NewReader(input)), flow.NewResponse(&output)); err != nil {
			return err
		}
		if err := c.store.Set(key, output.Bytes(), ttl); err != nil {
			c.report(fmt.Errorf("cache write failed: %w", err))
		}
		_, err = res.Data.Write(output.Bytes())
		return err
	})
}

func (c *Cache) report(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// Invocation is what, besides its input, decides a command's output.
type Invocation struct {
	Command string
	Args    []string
	// Dir is resolved to an absolute path; empty means the current
	// working directory.
	Dir string
	Env []string
	// Fallback is the command line run when Command fails.
	Fallback []string
}

// Scope identifies inv within a store.
func (inv Invocation) Scope() string {
	h := sha256.New()
	field := func(s string) { fmt.Fprintf(h, "%d:%s", len(s), s) }
	list := func(tag string, items []string) {
		fmt.Fprintf(h, "%s%d;", tag, len(items))
		for _, item := range items {
			field(item)
		}
	}

	field(inv.Command)
	list("args", inv.Args)
	field(resolveDir(inv.Dir))
	list("env", inv.Env)
	list("fallback", inv.Fallback)
	return hex.EncodeToString(h.Sum(nil))
}

func resolveDir(dir string) string {
	if dir == "" {
		dir = "."
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// Scope identifies a command line run in the current working directory.
func Scope(command string, args []string) string {
	return Invocation{Command: command, Args: args}.Scope()
}

// Key returns the store key for input within scope.
func Key(scope string, input []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves cached data for a key
func (c *Cache) Get(key string) ([]byte, error) { return c.store.Get(key) }

// Delete removes a cached output by key.
func (c *Cache) Delete(key string) error { return c.store.Delete(key) }

// Clear removes all cached outputs.
func (c *Cache) Clear() error { return c.store.Clear() }

// Exists checks if an output is cached for the given key
func (c *Cache) Exists(key string) bool { return c.store.Exists(key) }

// ListKeys returns all cached keys
func (c *Cache) ListKeys() []string { return c.store.List() }
