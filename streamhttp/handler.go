package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/toolwire/toolwire/auth"
	"github.com/toolwire/toolwire/broker"
	"github.com/toolwire/toolwire/internal/correlate"
	"github.com/toolwire/toolwire/internal/engine"
	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logctx"
	"github.com/toolwire/toolwire/mcp"
)

var (
	ErrSessionHeaderMissing = errors.New("missing mcp-session-id header")
	ErrUnknownSession       = errors.New("unknown mcp session")
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	mcpSessionIDHeader    = "Mcp-Session-Id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// defaultPushTimeout bounds how long a server-initiated request waits for
// the client's answer.
const defaultPushTimeout = 30 * time.Second

// Handler serves the MCP endpoint over HTTP. It multiplexes JSON-RPC POST
// exchanges, the SSE notification stream and the WebSocket endpoint onto a
// single base path.
type Handler struct {
	eng      *engine.Engine
	brk      broker.Broker
	authn    auth.Authenticator
	log      *slog.Logger
	basePath string
	wsPath   string
	enableWS bool
	maxBody  int64

	corr *correlate.Correlator[*jsonrpc.Response]

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	id        string
	userID    string
	createdAt time.Time
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithAuthenticator requires bearer-token authentication on every request.
func WithAuthenticator(a auth.Authenticator) HandlerOption {
	return func(h *Handler) { h.authn = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithBasePath overrides the endpoint path (default "/mcp").
func WithBasePath(p string) HandlerOption {
	return func(h *Handler) {
		if p != "" {
			h.basePath = strings.TrimSuffix(p, "/")
		}
	}
}

// WithWebSocket toggles the WebSocket endpoint.
func WithWebSocket(enabled bool) HandlerOption {
	return func(h *Handler) { h.enableWS = enabled }
}

// WithMaxBodyBytes bounds POST request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewHandler builds a Handler around an engine and a broker. The broker
// carries all out-of-band (server-to-client) traffic.
func NewHandler(ctx context.Context, eng *engine.Engine, brk broker.Broker, opts ...HandlerOption) (*Handler, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if brk == nil {
		return nil, errors.New("broker is required")
	}
	h := &Handler{
		eng:      eng,
		brk:      brk,
		log:      slog.Default(),
		basePath: "/mcp",
		enableWS: true,
		maxBody:  4 << 20,
		corr:     correlate.New[*jsonrpc.Response](),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.wsPath = h.basePath + "/ws"
	h.corr.Start(ctx)
	return h, nil
}

// FromConfig builds a Handler applying Config fields, then any extra options.
func FromConfig(ctx context.Context, cfg Config, eng *engine.Engine, brk broker.Broker, opts ...HandlerOption) (*Handler, error) {
	base := []HandlerOption{
		WithBasePath(cfg.BasePath),
		WithWebSocket(cfg.EnableWebSocket),
		WithMaxBodyBytes(cfg.MaxBodyBytes),
	}
	return NewHandler(ctx, eng, brk, append(base, opts...)...)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == h.wsPath:
		if !h.enableWS {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleWebSocket(w, r)
	case r.URL.Path == h.basePath:
		switch r.Method {
		case http.MethodPost:
			h.handlePost(w, r)
		case http.MethodGet:
			h.handleSSE(w, r)
		case http.MethodDelete:
			h.handleDelete(w, r)
		default:
			w.Header().Set("Allow", "GET, POST, DELETE")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

// authenticate enforces bearer auth when an authenticator is configured.
// It writes the error response itself and reports success via ok.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.UserInfo, bool) {
	if h.authn == nil {
		return nil, true
	}

	raw := r.Header.Get(authorizationHeader)
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		w.Header().Set(wwwAuthenticateHeader, `Bearer error="invalid_request"`)
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}

	ui, err := h.authn.CheckAuthentication(r.Context(), raw[len(prefix):])
	if err != nil {
		if errors.Is(err, auth.ErrInsufficientScope) {
			w.Header().Set(wwwAuthenticateHeader, `Bearer error="insufficient_scope"`)
			writeJSONError(w, http.StatusForbidden, "insufficient scope")
			return nil, false
		}
		w.Header().Set(wwwAuthenticateHeader, `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	return ui, true
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ui, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	if mt, err := contenttype.GetMediaType(r); err != nil || !mt.EqualsMIME(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if int64(len(payload)) > h.maxBody {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		Transport:  "streamhttp",
		RemoteAddr: r.RemoteAddr,
	})
	if ui != nil {
		ctx = auth.ContextWithUserInfo(ctx, ui)
	}

	// A POST carrying a JSON-RPC response is a client answering a
	// server-initiated request pushed over SSE; route it to the correlator
	// rather than the engine.
	if msg, perr := jsonrpc.Parse(payload); perr == nil && msg.Type() == "response" {
		if resp := msg.AsResponse(); resp != nil && h.corr.TryComplete(resp.ID.String(), resp) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		// Unmatched responses are dropped without error per protocol.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Session discipline: initialize mints a session; every other message
	// must carry one.
	isInitialize := false
	if msg, perr := jsonrpc.Parse(payload); perr == nil {
		if req := msg.AsRequest(); req != nil && req.Method == string(mcp.InitializeMethod) {
			isInitialize = true
		}
	}

	var sessionID string
	if isInitialize {
		sess := h.createSession(ui)
		sessionID = sess.id
		w.Header().Set(mcpSessionIDHeader, sessionID)
	} else {
		sess, err := h.sessionFromRequest(r)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		sessionID = sess.id
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:     sessionID,
		Transport:  "streamhttp",
		RemoteAddr: r.RemoteAddr,
	})

	resp := h.eng.HandleMessage(ctx, payload)
	if resp == nil {
		// Notification: nothing to answer.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "streamhttp.post.encode_fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	ui, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	_ = ui

	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType}); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		return
	}

	sess, err := h.sessionFromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	stream, err := h.brk.Subscribe(r.Context(), h.namespace(sess.id), r.Header.Get(lastEventIDHeader))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer stream.Close()

	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "sse upgrade failed")
		return
	}

	ctx := r.Context()
	h.log.InfoContext(ctx, "streamhttp.sse.open", slog.String("session_id", sess.id))

	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				h.log.InfoContext(ctx, "streamhttp.sse.close", slog.String("session_id", sess.id))
				return
			}
			h.log.ErrorContext(ctx, "streamhttp.sse.next_fail", slog.String("err", err.Error()))
			return
		}

		msg := &sse.Message{Type: sse.Type("message")}
		if id, err := sse.NewID(env.ID); err == nil {
			msg.ID = id
		}
		msg.AppendData(string(env.Data))
		if err := sseSess.Send(msg); err != nil {
			h.log.WarnContext(ctx, "streamhttp.sse.send_fail", slog.String("err", err.Error()))
			return
		}
		if err := sseSess.Flush(); err != nil {
			h.log.WarnContext(ctx, "streamhttp.sse.flush_fail", slog.String("err", err.Error()))
			return
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	sess, err := h.sessionFromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	h.mu.Lock()
	delete(h.sessions, sess.id)
	h.mu.Unlock()

	if err := h.brk.Cleanup(r.Context(), h.namespace(sess.id)); err != nil {
		h.log.WarnContext(r.Context(), "streamhttp.session.cleanup_fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(r.Context(), "streamhttp.session.deleted", slog.String("session_id", sess.id))
	w.WriteHeader(http.StatusNoContent)
}

// PushNotification delivers a server-initiated notification to the
// session's subscribers.
func (h *Handler) PushNotification(ctx context.Context, sessionID string, method string, params any) error {
	if _, ok := h.lookupSession(sessionID); !ok {
		return ErrUnknownSession
	}
	note, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return err
	}
	_, err = h.brk.Publish(ctx, h.namespace(sessionID), payload)
	return err
}

// PushRequest sends a server-initiated request over the session's stream and
// awaits the client's answer, which arrives as a POSTed JSON-RPC response.
// The correlation id is a synthetic uuid independent of client-side ids.
func (h *Handler) PushRequest(ctx context.Context, sessionID string, method string, params any, timeout time.Duration) (*jsonrpc.Response, error) {
	if _, ok := h.lookupSession(sessionID); !ok {
		return nil, ErrUnknownSession
	}
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}

	corrID := uuid.NewString()
	fut, err := h.corr.Register(corrID, timeout)
	if err != nil {
		return nil, err
	}

	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(corrID), method, params)
	if err != nil {
		h.corr.Cancel(corrID)
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		h.corr.Cancel(corrID)
		return nil, err
	}
	if _, err := h.brk.Publish(ctx, h.namespace(sessionID), payload); err != nil {
		h.corr.Cancel(corrID)
		return nil, fmt.Errorf("publish request: %w", err)
	}

	return fut.Await(ctx)
}

// Sessions returns the ids of known sessions.
func (h *Handler) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels all in-flight pushed requests.
func (h *Handler) Close() {
	h.corr.Close()
}

func (h *Handler) createSession(ui auth.UserInfo) *session {
	sess := &session{
		id:        uuid.NewString(),
		createdAt: time.Now(),
	}
	if ui != nil {
		sess.userID = ui.UserID()
	}
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	return sess
}

func (h *Handler) lookupSession(id string) (*session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[id]
	return sess, ok
}

func (h *Handler) sessionFromRequest(r *http.Request) (*session, error) {
	id := r.Header.Get(mcpSessionIDHeader)
	if id == "" {
		return nil, ErrSessionHeaderMissing
	}
	sess, ok := h.lookupSession(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

func (h *Handler) namespace(sessionID string) string {
	return "session:" + sessionID
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before
// a JSON-RPC exchange is possible. This is transport-level, not JSON-RPC
// framing.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

var _ http.Handler = (*Handler)(nil)
