package careloop

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/careloop-ai/careloop/internal/registry"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port         int
	databasePath string
	dataDir      string
	logger       *slog.Logger
	version      string
	clock        clock.Clock
	executor     registry.Executor
}

// WithPort overrides the TCP port from config (CARELOOP_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabasePath overrides the SQLite file path from config
// (CARELOOP_DATABASE_PATH env var).
func WithDatabasePath(path string) Option {
	return func(o *resolvedOptions) { o.databasePath = path }
}

// WithDataDir overrides the reference data directory from config
// (CARELOOP_DATA_DIR env var).
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithClock injects a clock for the scheduler and demo executor. Tests use
// a mock to drive boost windows and re-check ticks deterministically.
func WithClock(c clock.Clock) Option {
	return func(o *resolvedOptions) { o.clock = c }
}

// WithExecutor replaces the built-in demo run executor.
func WithExecutor(e registry.Executor) Option {
	return func(o *resolvedOptions) { o.executor = e }
}
