// Package toolwire is a transport-agnostic MCP server runtime. A Server
// bundles the tool registry, middleware pipeline, resource and prompt
// providers, and the protocol engine, and can serve them over stdio, HTTP
// with SSE, or WebSocket.
package toolwire

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/toolwire/toolwire/broker"
	"github.com/toolwire/toolwire/internal/engine"
	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logctx"
	"github.com/toolwire/toolwire/mcp"
	"github.com/toolwire/toolwire/middleware"
	"github.com/toolwire/toolwire/prompts"
	"github.com/toolwire/toolwire/registry"
	"github.com/toolwire/toolwire/resources"
	"github.com/toolwire/toolwire/stdio"
	"github.com/toolwire/toolwire/streamhttp"
	"github.com/toolwire/toolwire/transport"
)

// Server is the top-level runtime object. Construct one with NewServer,
// register tools against its Registry, then serve it over one or more
// transports.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger

	reg     *registry.Registry
	pipe    *middleware.Pipeline
	res     *resources.Set
	prompts *prompts.Static

	engineOpts []engine.Option
	eng        *engine.Engine
}

// NewServer builds a Server with the given identity and options. The engine
// is assembled eagerly so transports can be attached immediately.
func NewServer(name, version string, opts ...Option) *Server {
	s := &Server{
		info:    mcp.ImplementationInfo{Name: name, Version: version},
		log:     slog.New(logctx.Handler{Handler: slog.Default().Handler()}),
		reg:     registry.New(),
		pipe:    middleware.NewPipeline(),
		res:     resources.NewSet(),
		prompts: prompts.NewStatic(),
	}
	for _, opt := range opts {
		opt(s)
	}

	engOpts := append([]engine.Option{
		engine.WithLogger(s.log),
		engine.WithServerInfo(s.info),
		engine.WithInstructions(s.instructions),
		engine.WithResources(s.res),
		engine.WithPrompts(s.prompts),
	}, s.engineOpts...)
	s.eng = engine.New(s.reg, s.pipe, engOpts...)
	return s
}

// Registry exposes the tool registry for registration and management.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Middleware exposes the pipeline for global middleware registration.
func (s *Server) Middleware() *middleware.Pipeline { return s.pipe }

// Resources exposes the resource provider set.
func (s *Server) Resources() *resources.Set { return s.res }

// Prompts exposes the prompt catalog.
func (s *Server) Prompts() *prompts.Static { return s.prompts }

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger { return s.log }

// AddTool registers a tool, panicking on registration errors. Tool wiring
// happens at startup, so a bad registration is a programming error.
func (s *Server) AddTool(t registry.Tool) *Server {
	if err := s.reg.Register(t); err != nil {
		panic("toolwire: " + err.Error())
	}
	return s
}

// Use registers a global middleware at the given order.
func (s *Server) Use(m middleware.Middleware, order int) *Server {
	s.pipe.RegisterGlobal(m, order)
	return s
}

// HandleMessage processes one raw JSON-RPC message. It exists so custom
// transports can drive the runtime directly.
func (s *Server) HandleMessage(ctx context.Context, payload []byte) ([]byte, error) {
	resp := s.eng.HandleMessage(ctx, payload)
	if resp == nil {
		return nil, nil
	}
	return marshalResponse(resp)
}

func marshalResponse(resp *jsonrpc.Response) ([]byte, error) {
	return json.Marshal(resp)
}

// Serve drives an arbitrary transport until it disconnects.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	return s.eng.Serve(ctx, t)
}

// ServeStdio serves the runtime over standard input and output until EOF.
func (s *Server) ServeStdio(ctx context.Context, opts ...stdio.Option) error {
	opts = append([]stdio.Option{stdio.WithLogger(s.log)}, opts...)
	return s.eng.Serve(ctx, stdio.New(opts...))
}

// HTTPHandler builds the streaming HTTP handler for this server. The broker
// carries out-of-band traffic; use broker/memory for single-node setups.
func (s *Server) HTTPHandler(ctx context.Context, brk broker.Broker, opts ...streamhttp.HandlerOption) (*streamhttp.Handler, error) {
	opts = append([]streamhttp.HandlerOption{streamhttp.WithLogger(s.log)}, opts...)
	return streamhttp.NewHandler(ctx, s.eng, brk, opts...)
}
