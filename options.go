package toolwire

import (
	"log/slog"
	"time"

	"github.com/toolwire/toolwire/internal/engine"
	"github.com/toolwire/toolwire/internal/logctx"
	"github.com/toolwire/toolwire/prompts"
	"github.com/toolwire/toolwire/resources"
)

// Option customizes a Server at construction.
type Option func(*Server)

// WithLogger sets the server logger. The handler is wrapped so context
// attributes (connection, rpc message, tool) are attached automatically.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = slog.New(logctx.Handler{Handler: l.Handler()})
		}
	}
}

// WithInstructions sets the instructions string returned from initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) { s.instructions = instructions }
}

// WithResourceProvider appends a resource provider. Providers are consulted
// in registration order.
func WithResourceProvider(p resources.Provider) Option {
	return func(s *Server) { s.res.Add(p) }
}

// WithPrompt adds a prompt to the catalog.
func WithPrompt(e prompts.Entry) Option {
	return func(s *Server) { s.prompts.Add(e) }
}

// WithPageSize sets the page size used by the list operations.
func WithPageSize(n int) Option {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, engine.WithPageSize(n))
	}
}

// WithCallTimeout bounds each tool invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, engine.WithCallTimeout(d))
	}
}
