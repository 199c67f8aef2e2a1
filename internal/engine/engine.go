// Package engine implements the protocol message processor: it parses raw
// JSON-RPC payloads, classifies requests versus notifications, routes by
// method, and produces the response envelope. Each message is processed
// independently; no state is retained across messages beyond the in-flight
// cancellation table.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logctx"
	"github.com/toolwire/toolwire/mcp"
	"github.com/toolwire/toolwire/middleware"
	"github.com/toolwire/toolwire/prompts"
	"github.com/toolwire/toolwire/registry"
	"github.com/toolwire/toolwire/resources"
)

const defaultPageSize = 50

// Engine routes parsed JSON-RPC messages to their handlers. It is shared by
// every transport; all methods are safe for concurrent use.
type Engine struct {
	reg     *registry.Registry
	pipe    *middleware.Pipeline
	res     *resources.Set
	prompts *prompts.Static

	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string
	pageSize     int
	callTimeout  time.Duration // 0 = no per-call deadline

	// in-flight request cancellation, keyed by request id
	cancelMu sync.Mutex
	cancels  map[string]context.CancelCauseFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithServerInfo sets the implementation info returned by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the instructions string returned by initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// WithResources attaches the resource provider set.
func WithResources(set *resources.Set) Option {
	return func(e *Engine) { e.res = set }
}

// WithPrompts attaches the prompt catalog.
func WithPrompts(p *prompts.Static) Option {
	return func(e *Engine) { e.prompts = p }
}

// WithPageSize sets the page size for list methods.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithCallTimeout applies a per-call deadline to tool executions.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// New constructs an Engine over the given registry and middleware pipeline.
func New(reg *registry.Registry, pipe *middleware.Pipeline, opts ...Option) *Engine {
	e := &Engine{
		reg:      reg,
		pipe:     pipe,
		log:      slog.Default(),
		info:     mcp.ImplementationInfo{Name: "toolwire", Version: "0.1.0"},
		pageSize: defaultPageSize,
		cancels:  make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// HandleMessage processes one raw payload through the full per-message state
// machine and returns the response to write, or nil when the message was a
// notification (notifications never receive a response). Protocol faults are
// returned as error responses, never as Go errors: one bad message must not
// affect the handling of any other.
func (e *Engine) HandleMessage(ctx context.Context, payload []byte) *jsonrpc.Response {
	msg, err := jsonrpc.Parse(payload)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrParse) {
			e.log.InfoContext(ctx, "engine.message.parse_fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)
		}
		e.log.InfoContext(ctx, "engine.message.invalid", slog.String("err", err.Error()))
		// Echo the id when one can still be extracted from the raw message.
		return jsonrpc.NewErrorResponse(jsonrpc.ExtractID(payload), jsonrpc.ErrorCodeInvalidRequest, "invalid request", nil)
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	switch msg.Type() {
	case "request":
		return e.HandleRequest(ctx, msg.AsRequest())
	case "notification":
		e.HandleNotification(ctx, msg.AsRequest())
		return nil
	default:
		// A response from the peer. This server issues no outbound requests
		// on its own, so unmatched responses are dropped.
		e.log.DebugContext(ctx, "engine.message.unmatched_response", slog.String("id", msg.ID.String()))
		return nil
	}
}

// HandleRequest routes a request to its method handler. Panics in handlers
// are isolated here so a single failing message cannot take down the read
// loop.
func (e *Engine) HandleRequest(ctx context.Context, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "engine.handle_request.panic", slog.Any("panic", r))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}()

	switch req.Method {
	case string(mcp.InitializeMethod):
		return e.handleInitialize(ctx, req)
	case string(mcp.PingMethod):
		return mustResult(req.ID, &mcp.EmptyResult{})
	case string(mcp.ToolsListMethod):
		return e.handleToolsList(ctx, req)
	case string(mcp.ToolsCallMethod):
		return e.handleToolCall(ctx, req)
	case string(mcp.ResourcesListMethod):
		return e.handleResourcesList(ctx, req)
	case string(mcp.ResourcesReadMethod):
		return e.handleResourcesRead(ctx, req)
	case string(mcp.PromptsListMethod):
		return e.handlePromptsList(ctx, req)
	case string(mcp.PromptsGetMethod):
		return e.handlePromptsGet(ctx, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.method_not_found", slog.String("method", req.Method))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
}

// HandleNotification processes a notification. Unrecognized notifications are
// silently dropped; notifications never receive a response.
func (e *Engine) HandleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		e.log.InfoContext(ctx, "engine.session.initialized")
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.notification.invalid", slog.String("err", err.Error()))
			return
		}
		if e.CancelInFlight(params.RequestID, params.Reason) {
			e.log.InfoContext(ctx, "engine.request.cancelled", slog.String("request_id", params.RequestID))
		}
	case string(mcp.ProgressNotificationMethod):
		// Accepted for forward compatibility; nothing to do.
	default:
		e.log.DebugContext(ctx, "engine.notification.dropped", slog.String("method", note.Method))
	}
}

// CancelInFlight cancels the in-flight request with the given id. It reports
// whether a request was found.
func (e *Engine) CancelInFlight(reqID, reason string) bool {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[reqID]
	e.cancelMu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "cancelled by peer"
	}
	cancel(fmt.Errorf("%s", reason))
	return true
}

func (e *Engine) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	caps := mcp.ServerCapabilities{}
	caps.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{ListChanged: true}
	if e.res != nil {
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: true}
	}
	if e.prompts != nil {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}

	result := &mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      e.info,
		Instructions:    e.instructions,
	}

	e.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("client", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("protocol_version", params.ProtocolVersion),
	)
	return mustResult(req.ID, result)
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	all := e.reg.List()
	descs := make([]mcp.Tool, 0, len(all))
	for _, t := range all {
		if t.Enabled {
			descs = append(descs, t.Descriptor)
		}
	}

	items, next := paginate(descs, params.Cursor, e.pageSize)
	result := &mcp.ListToolsResult{Tools: items}
	result.NextCursor = next

	e.log.InfoContext(ctx, "engine.handle_request.ok",
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		slog.Int("tool_count", len(items)),
	)
	return mustResult(req.ID, result)
}

func (e *Engine) handleToolCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if params.Name == "" {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	// An unknown or disabled tool is an expected outcome of an agent's
	// exploratory calls: data, not a protocol error.
	tool, ok := e.reg.TryGet(params.Name)
	if !ok || !tool.Enabled {
		e.log.InfoContext(ctx, "engine.tool_call.unknown_tool", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return mustResult(req.ID, registry.Errorf("unknown tool: %q", params.Name))
	}

	toolCtx := ctx
	var timeoutCancel context.CancelFunc
	if e.callTimeout > 0 {
		toolCtx, timeoutCancel = context.WithTimeout(toolCtx, e.callTimeout)
		defer timeoutCancel()
	}
	toolCtx, toolCancel := context.WithCancelCause(toolCtx)
	defer toolCancel(context.Canceled)

	reqID := req.ID.String()
	e.cancelMu.Lock()
	if _, exists := e.cancels[reqID]; exists {
		// Request ids are unique per connection; a duplicate means the peer
		// is misbehaving.
		e.cancelMu.Unlock()
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", "duplicate request id"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil)
	}
	e.cancels[reqID] = toolCancel
	e.cancelMu.Unlock()
	defer func() {
		e.cancelMu.Lock()
		delete(e.cancels, reqID)
		e.cancelMu.Unlock()
	}()

	call := &middleware.Call{ToolName: tool.Descriptor.Name, Arguments: params.Arguments}
	res, err := e.pipe.Run(toolCtx, call, tool.Middleware, func(ctx context.Context) (*mcp.CallToolResult, error) {
		return tool.Handler(ctx, &params)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil)
		}
		// Tool and middleware failures, including vetoes, are data. The
		// calling agent needs the failure to decide its next action.
		e.log.InfoContext(ctx, "engine.tool_call.fail",
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		)
		return mustResult(req.ID, registry.Errorf("%v", err))
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return mustResult(req.ID, res)
}

func (e *Engine) handleResourcesList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	if e.res == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources not supported", nil)
	}
	var params mcp.ListResourcesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	all, err := e.res.List(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	items, next := paginate(all, params.Cursor, e.pageSize)
	result := &mcp.ListResourcesResult{Resources: items}
	result.NextCursor = next

	e.log.InfoContext(ctx, "engine.handle_request.ok",
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		slog.Int("resource_count", len(items)),
	)
	return mustResult(req.ID, result)
}

func (e *Engine) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	if e.res == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources not supported", nil)
	}
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	contents, err := e.res.Read(ctx, params.URI)
	if err != nil {
		if errors.Is(err, resources.ErrNoProvider) || errors.Is(err, resources.ErrNotFound) {
			e.log.InfoContext(ctx, "engine.resources_read.not_found",
				slog.String("uri", params.URI),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()),
			)
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		}
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return mustResult(req.ID, &mcp.ReadResourceResult{Contents: contents})
}

func (e *Engine) handlePromptsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	if e.prompts == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "prompts not supported", nil)
	}
	var params mcp.ListPromptsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	all, err := e.prompts.List(ctx)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	items, next := paginate(all, params.Cursor, e.pageSize)
	result := &mcp.ListPromptsResult{Prompts: items}
	result.NextCursor = next

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return mustResult(req.ID, result)
}

func (e *Engine) handlePromptsGet(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	if e.prompts == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "prompts not supported", nil)
	}
	var params mcp.GetPromptRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	result, err := e.prompts.Get(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, prompts.ErrNotFound) || errors.Is(err, prompts.ErrMissingArgument) {
			e.log.InfoContext(ctx, "engine.prompts_get.invalid",
				slog.String("prompt", params.Name),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()),
			)
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		}
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return mustResult(req.ID, result)
}

// paginate slices items by an integer-offset cursor.
func paginate[T any](items []T, cursor string, pageSize int) (page []T, nextCursor string) {
	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n >= 0 && n <= len(items) {
			start = n
		}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	page = make([]T, end-start)
	copy(page, items[start:end])
	if end < len(items) {
		nextCursor = strconv.Itoa(end)
	}
	return page, nextCursor
}

// mustResult builds a result response; marshal failures of our own result
// types indicate a programming error and degrade to an internal error.
func mustResult(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}
