package threadbox

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	port        int
	databaseURL string
	logger      *slog.Logger
	version     string
	hooks       []ThreadHook
	middlewares []Middleware
	runtime     SandboxRuntime
}

// WithPort overrides the TCP port from config (THREADBOX_PORT).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides DATABASE_URL. A non-empty URL selects the
// Postgres store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported by /health, MCP and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithThreadHook registers a hook notified when runs finish. Multiple hooks
// may be registered; each receives every event.
func WithThreadHook(hook ThreadHook) Option {
	return func(o *resolvedOptions) { o.hooks = append(o.hooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware. The first
// registered middleware sees every request first.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithSandboxRuntime replaces the Docker runtime. The App closes rt on
// shutdown.
func WithSandboxRuntime(rt SandboxRuntime) Option {
	return func(o *resolvedOptions) { o.runtime = rt }
}
