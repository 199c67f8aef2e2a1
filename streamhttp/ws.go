package streamhttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/toolwire/toolwire/auth"
	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logctx"
	"github.com/toolwire/toolwire/transport"
)

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ui, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.WarnContext(r.Context(), "streamhttp.ws.accept_fail", slog.String("err", err.Error()))
		return
	}

	sess := h.createSession(ui)
	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		ConnID:     sess.id,
		Transport:  "websocket",
		RemoteAddr: r.RemoteAddr,
	})
	if ui != nil {
		ctx = auth.ContextWithUserInfo(ctx, ui)
	}
	h.log.InfoContext(ctx, "streamhttp.ws.open", slog.String("session_id", sess.id))

	// Response frames answer server-initiated requests; they go to the
	// correlator, not the engine, mirroring the POST path.
	wst := newWSTransport(conn, func(resp *jsonrpc.Response) {
		// Unmatched responses are dropped without error per protocol.
		h.corr.TryComplete(resp.ID.String(), resp)
	})

	// Pump the session's broker namespace onto the connection so
	// server-initiated traffic reaches WebSocket clients too.
	ctx, cancel := context.WithCancel(ctx)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		h.pumpToTransport(ctx, sess.id, wst)
	}()

	if err := h.eng.Serve(ctx, wst); err != nil {
		h.log.WarnContext(ctx, "streamhttp.ws.serve_fail", slog.String("err", err.Error()))
	}
	cancel()
	<-pumpDone

	h.mu.Lock()
	delete(h.sessions, sess.id)
	h.mu.Unlock()
	_ = h.brk.Cleanup(context.WithoutCancel(ctx), h.namespace(sess.id))
	h.log.InfoContext(ctx, "streamhttp.ws.close", slog.String("session_id", sess.id))
}

// pumpToTransport forwards published session messages to the transport until
// the context ends or the transport closes.
func (h *Handler) pumpToTransport(ctx context.Context, sessionID string, t transport.Transport) {
	stream, err := h.brk.Subscribe(ctx, h.namespace(sessionID), "")
	if err != nil {
		h.log.WarnContext(ctx, "streamhttp.ws.subscribe_fail", slog.String("err", err.Error()))
		return
	}
	defer stream.Close()

	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.log.WarnContext(ctx, "streamhttp.ws.push_next_fail", slog.String("err", err.Error()))
			}
			return
		}
		if err := t.WriteMessage(ctx, transport.NewMessage(env.Data, transport.TypeRequest)); err != nil {
			if !errors.Is(err, transport.ErrClosed) && ctx.Err() == nil {
				h.log.WarnContext(ctx, "streamhttp.ws.push_write_fail", slog.String("err", err.Error()))
			}
			return
		}
	}
}

// wsTransport adapts a websocket connection to the transport interface. The
// websocket library serializes concurrent writers itself; the extra mutex
// keeps write ordering deterministic.
type wsTransport struct {
	conn *websocket.Conn

	// onResponse consumes inbound response frames before they reach the
	// engine's read loop.
	onResponse func(*jsonrpc.Response)

	writeMu sync.Mutex

	mu           sync.Mutex
	closed       bool
	disconnected chan transport.Disconnect
	discOnce     sync.Once
}

func newWSTransport(conn *websocket.Conn, onResponse func(*jsonrpc.Response)) *wsTransport {
	return &wsTransport{
		conn:         conn,
		onResponse:   onResponse,
		disconnected: make(chan transport.Disconnect, 1),
	}
}

func (t *wsTransport) Start(ctx context.Context) error { return nil }

func (t *wsTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.signalDisconnect(transport.Disconnect{Clean: true})
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

func (t *wsTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *wsTransport) Disconnected() <-chan transport.Disconnect {
	return t.disconnected
}

func (t *wsTransport) ReadMessage(ctx context.Context) (*transport.Message, error) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, t.readFailed(err)
		}
		if t.onResponse != nil {
			if msg, perr := jsonrpc.Parse(data); perr == nil && msg.Type() == "response" {
				if resp := msg.AsResponse(); resp != nil {
					t.onResponse(resp)
					continue
				}
			}
		}
		return transport.NewMessage(data, transport.TypeRequest), nil
	}
}

func (t *wsTransport) WriteMessage(ctx context.Context, msg *transport.Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, msg.Payload)
}

func (t *wsTransport) readFailed(err error) error {
	t.mu.Lock()
	closedByStop := t.closed
	t.closed = true
	t.mu.Unlock()

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
		errors.Is(err, io.EOF) || closedByStop {
		t.signalDisconnect(transport.Disconnect{Clean: true})
		return io.EOF
	}
	t.signalDisconnect(transport.Disconnect{Clean: false, Err: err})
	return err
}

func (t *wsTransport) signalDisconnect(d transport.Disconnect) {
	t.discOnce.Do(func() {
		t.disconnected <- d
		close(t.disconnected)
	})
}

var _ transport.Transport = (*wsTransport)(nil)
