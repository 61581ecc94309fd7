// Package storage selects a database backend for post-export verification.
//
// The export tool owns every table it writes; this package never issues
// DDL. It only opens the target database afterwards and reads column
// names back, so the sync run can confirm that the columns it mapped
// actually exist.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Config is the minimal configuration needed to open an Inspector.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is the database URL as given on the command line; each backend
//     translates it into whatever its driver expects.
type Config struct {
	Kind string
	DSN  string
}

// Inspector reads table shapes from an export target.
type Inspector interface {
	// TableColumns returns the column names of table in ordinal order.
	// A table that does not exist yields an empty result, not an error:
	// the caller decides whether an absent table is a problem.
	TableColumns(ctx context.Context, table string) ([]string, error)

	// Close releases the underlying connection. Treat as "call once".
	Close()
}

type factory func(ctx context.Context, cfg Config) (Inspector, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers an inspector backend under a kind (e.g. "postgres",
// "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. Failing fast here avoids ambiguous
//     backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs an Inspector using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Inspector, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Open derives the backend kind from a database URL and constructs the
// matching Inspector. This is the entry point callers should use; New is
// for callers that already know the kind.
func Open(ctx context.Context, dbURL string) (Inspector, error) {
	kind, err := KindFromURL(dbURL)
	if err != nil {
		return nil, err
	}
	return New(ctx, Config{Kind: kind, DSN: dbURL})
}

// KindFromURL maps a database URL onto a registered backend kind. The
// scheme may carry a dialect suffix ("postgresql+psycopg2"); everything
// after the "+" is ignored.
func KindFromURL(dbURL string) (string, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("storage: parse database url: %w", err)
	}
	scheme := u.Scheme
	if i := strings.Index(scheme, "+"); i >= 0 {
		scheme = scheme[:i]
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return "postgres", nil
	case "sqlite":
		return "sqlite", nil
	case "mssql", "sqlserver":
		return "mssql", nil
	case "":
		return "", fmt.Errorf("storage: database url %q has no scheme", dbURL)
	default:
		return "", fmt.Errorf("storage: unsupported database url scheme %q", scheme)
	}
}
