package internal

import (
	"log/slog"
)

// Mode selects what Run does.
type Mode string

const (
	// ModeServe runs the HTTP API and keeps the cache current in the background.
	ModeServe Mode = "serve"
	// ModeWatch only keeps the cache current.
	ModeWatch Mode = "watch"
	// ModeMCP serves MCP tools on stdin/stdout.
	ModeMCP Mode = "mcp"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config  *Config
	mode    Mode
	logger  *slog.Logger
	version string
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithMode sets the run mode. The default is ModeServe.
func WithMode(m Mode) Option {
	return func(a *application) {
		a.mode = m
	}
}

// WithLogger replaces the JSON logger Run would build.
func WithLogger(l *slog.Logger) Option {
	return func(a *application) {
		a.logger = l
	}
}

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option {
	return func(a *application) {
		a.version = v
	}
}
