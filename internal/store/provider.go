// Package store selects and opens a recorder backend by name. Backends
// register themselves from init() in their own packages.
package store

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jensholdgaard/eventrecorder/internal/config"
	"github.com/jensholdgaard/eventrecorder/internal/recorder"
)

// Backend groups an opened recorder with its resource hooks.
type Backend struct {
	Recorder recorder.ProcessRecorder
	// Closer is called to release underlying resources (e.g. DB connection).
	Closer io.Closer
	// Ping checks the underlying connection health.
	Ping func(ctx context.Context) error
	// CreateTables creates the events and tracking tables if missing.
	CreateTables func(ctx context.Context) error
}

// Driver is a function that opens a backend from configuration.
type Driver func(ctx context.Context, cfg config.RecorderConfig) (*Backend, error)

var (
	mu       sync.RWMutex
	registry = map[string]Driver{}
)

// Register adds a named driver to the global registry.
// It is intended to be called from init() in each driver package.
func Register(name string, d Driver) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = d
}

// Open selects the driver specified in cfg.Driver and opens it. When
// cfg.CreateTables is set the schema is created before returning.
func Open(ctx context.Context, cfg config.RecorderConfig) (*Backend, error) {
	mu.RLock()
	d, ok := registry[cfg.Driver]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown recorder driver %q (registered: %v)", cfg.Driver, registeredNames())
	}

	b, err := d(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.CreateTables && b.CreateTables != nil {
		if err := b.CreateTables(ctx); err != nil {
			_ = b.Closer.Close()
			return nil, fmt.Errorf("creating tables (driver=%s): %w", cfg.Driver, err)
		}
	}
	return b, nil
}

func registeredNames() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// closerFunc adapts a func() error into an io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// CloserFunc returns f as an io.Closer.
func CloserFunc(f func() error) io.Closer { return closerFunc(f) }

// NopCloser is an io.Closer that does nothing.
var NopCloser io.Closer = closerFunc(func() error { return nil })
