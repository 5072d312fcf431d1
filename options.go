package machi

import (
	"log/slog"

	"github.com/ashita-ai/machi/internal/config"
	"github.com/ashita-ai/machi/internal/contextasm"
	"github.com/ashita-ai/machi/internal/modelclient"
	"github.com/ashita-ai/machi/internal/tools"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	cfg          *config.Config
	port         int
	databaseURL  string
	logger       *slog.Logger
	version      string
	client       modelclient.Client
	tools        []tools.Tool
	policy       contextasm.CompactionPolicy
	instructions string
}

// WithConfig uses cfg instead of reading the environment.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithPort overrides the TCP port from config (MACHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string (DATABASE_URL).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
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

// WithModelClient sets the language model runs talk to. Without it every
// run ends on its first step with an empty answer.
func WithModelClient(c modelclient.Client) Option {
	return func(o *resolvedOptions) { o.client = c }
}

// WithTools registers tools alongside the built-in ones. Names must be
// unique across both sets.
func WithTools(t ...tools.Tool) Option {
	return func(o *resolvedOptions) { o.tools = append(o.tools, t...) }
}

// WithCompactionPolicy replaces the recent-window history policy.
func WithCompactionPolicy(p contextasm.CompactionPolicy) Option {
	return func(o *resolvedOptions) { o.policy = p }
}

// WithInstructions replaces the closing instructions section of every
// assembled context.
func WithInstructions(s string) Option {
	return func(o *resolvedOptions) { o.instructions = s }
}
