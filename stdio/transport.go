package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/toolwire/toolwire/transport"
)

const maxHeaderLines = 32

// Transport is a single-connection stdio transport. By default it reads from
// os.Stdin and writes to os.Stdout. It is transport-only: all protocol
// semantics live in the engine.
type Transport struct {
	r io.Reader
	w io.Writer
	l *slog.Logger

	userProvider UserProvider

	br *bufio.Reader

	writeMu sync.Mutex

	mu           sync.Mutex
	started      bool
	closed       bool
	disconnected chan transport.Disconnect
	discOnce     sync.Once
}

// New constructs a stdio Transport with defaults and applies options.
func New(opts ...Option) *Transport {
	t := &Transport{
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
		disconnected: make(chan transport.Disconnect, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start prepares the transport for reading. It is safe to call at most once.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if t.started {
		return errors.New("stdio: already started")
	}
	t.started = true
	t.br = bufio.NewReader(t.r)

	if uid, err := t.userProvider.CurrentUserID(); err == nil {
		t.l.InfoContext(ctx, "stdio.start", slog.String("user", uid))
	}
	return nil
}

// Stop closes the transport. Subsequent writes fail with a closed-transport
// error; a blocked read returns EOF semantics through Disconnected.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.signalDisconnect(transport.Disconnect{Clean: true})
	if c, ok := t.r.(io.Closer); ok {
		_ = c.Close()
	}
	return nil
}

// IsConnected reports current liveness.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.closed
}

// Disconnected delivers the terminal disconnect event.
func (t *Transport) Disconnected() <-chan transport.Disconnect {
	return t.disconnected
}

// ReadMessage reads a single message: either one newline-delimited payload or
// one Content-Length-prefixed frame. EOF ends the stream with clean
// semantics; other I/O errors are unclean. Both are also delivered on the
// Disconnected channel, since I/O failures are connection-level events.
func (t *Transport) ReadMessage(ctx context.Context) (*transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return nil, io.EOF
	}
	br := t.br
	t.mu.Unlock()

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if len(strings.TrimSpace(line)) > 0 && errors.Is(err, io.EOF) {
				// Final unterminated payload.
				return transport.NewMessage([]byte(strings.TrimSpace(line)), transport.TypeRequest), nil
			}
			return nil, t.readFailed(err)
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if length, ok := parseContentLength(trimmed); ok {
			payload, err := t.readFrame(br, length)
			if err != nil {
				return nil, t.readFailed(err)
			}
			return transport.NewMessage(payload, transport.TypeRequest), nil
		}

		return transport.NewMessage([]byte(trimmed), transport.TypeRequest), nil
	}
}

// readFrame consumes the remaining frame headers and the length-prefixed body.
func (t *Transport) readFrame(br *bufio.Reader, length int) ([]byte, error) {
	for i := 0; ; i++ {
		if i > maxHeaderLines {
			return nil, errors.New("stdio: oversized frame header")
		}
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		// Extra headers (e.g. Content-Type) are tolerated and ignored. A
		// repeated Content-Length supersedes the earlier value.
		if n, ok := parseContentLength(trimmed); ok {
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("stdio: negative content length")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteMessage emits the payload followed by the line terminator. Writes are
// serialized so frames are never interleaved.
func (t *Transport) WriteMessage(ctx context.Context, msg *transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	// Frame into a fresh buffer; appending to the payload could scribble on
	// the caller's backing array.
	frame := make([]byte, 0, len(msg.Payload)+1)
	frame = append(frame, msg.Payload...)
	frame = append(frame, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(frame); err != nil {
		return fmt.Errorf("stdio: write: %w", err)
	}
	return nil
}

// readFailed translates a read error into disconnect semantics.
func (t *Transport) readFailed(err error) error {
	t.mu.Lock()
	closedByStop := t.closed
	t.closed = true
	t.mu.Unlock()

	if errors.Is(err, io.EOF) || closedByStop {
		t.signalDisconnect(transport.Disconnect{Clean: true})
		return io.EOF
	}
	t.signalDisconnect(transport.Disconnect{Clean: false, Err: err})
	return err
}

func (t *Transport) signalDisconnect(d transport.Disconnect) {
	t.discOnce.Do(func() {
		t.disconnected <- d
		close(t.disconnected)
	})
}

func parseContentLength(line string) (int, bool) {
	const prefix = "content-length:"
	if !strings.HasPrefix(strings.ToLower(line), prefix) {
		return 0, false
	}
	v := strings.TrimSpace(line[len(prefix):])
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

var _ transport.Transport = (*Transport)(nil)
