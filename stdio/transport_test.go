package stdio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toolwire/toolwire/transport"
)

func newStarted(t *testing.T, in io.Reader, out io.Writer) *Transport {
	t.Helper()
	tr := New(WithReader(in), WithWriter(out))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return tr
}

func TestReadLineDelimitedMessages(t *testing.T) {
	in := strings.NewReader("{\"a\":1}\n\n  \n{\"b\":2}\n")
	tr := newStarted(t, in, io.Discard)

	msg, err := tr.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Payload) != `{"a":1}` {
		t.Fatalf("payload: %q", msg.Payload)
	}

	// Blank lines between messages are skipped.
	msg, err = tr.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Payload) != `{"b":2}` {
		t.Fatalf("payload: %q", msg.Payload)
	}
}

func TestReadContentLengthFrame(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	in := strings.NewReader(fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body))
	tr := newStarted(t, in, io.Discard)

	msg, err := tr.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Payload) != body {
		t.Fatalf("payload: %q", msg.Payload)
	}
}

func TestReadFrameHeaderCaseAndExtras(t *testing.T) {
	body := `{"x":true}`
	raw := fmt.Sprintf("content-length: 999\r\nContent-Type: application/json\r\nCONTENT-LENGTH: %d\r\n\r\n%s", len(body), body)
	tr := newStarted(t, strings.NewReader(raw), io.Discard)

	// Header names match case-insensitively; a repeated Content-Length
	// supersedes the earlier value, extra headers are ignored.
	msg, err := tr.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Payload) != body {
		t.Fatalf("payload: %q", msg.Payload)
	}
}

func TestMixedFramingOnOneStream(t *testing.T) {
	body := `{"framed":1}`
	raw := fmt.Sprintf("{\"line\":1}\nContent-Length: %d\r\n\r\n%s", len(body), body)
	tr := newStarted(t, strings.NewReader(raw), io.Discard)

	msg, err := tr.ReadMessage(context.Background())
	if err != nil || string(msg.Payload) != `{"line":1}` {
		t.Fatalf("line message: %q err=%v", msg.Payload, err)
	}
	msg, err = tr.ReadMessage(context.Background())
	if err != nil || string(msg.Payload) != body {
		t.Fatalf("framed message: %q err=%v", msg.Payload, err)
	}
}

func TestFinalUnterminatedLineIsDelivered(t *testing.T) {
	tr := newStarted(t, strings.NewReader(`{"tail":true}`), io.Discard)

	msg, err := tr.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Payload) != `{"tail":true}` {
		t.Fatalf("payload: %q", msg.Payload)
	}
	if _, err := tr.ReadMessage(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("want EOF, got %v", err)
	}
}

func TestEOFIsCleanDisconnect(t *testing.T) {
	tr := newStarted(t, strings.NewReader(""), io.Discard)

	if _, err := tr.ReadMessage(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("want EOF, got %v", err)
	}
	select {
	case d := <-tr.Disconnected():
		if !d.Clean {
			t.Fatalf("EOF must be clean: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnect event")
	}
}

// errReader fails after its content is consumed.
type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		return n, e.err
	}
	return n, err
}

func TestIOErrorIsUncleanDisconnect(t *testing.T) {
	broken := errors.New("pipe burst")
	tr := newStarted(t, &errReader{r: strings.NewReader(""), err: broken}, io.Discard)

	if _, err := tr.ReadMessage(context.Background()); !errors.Is(err, broken) {
		t.Fatalf("want underlying error, got %v", err)
	}
	select {
	case d := <-tr.Disconnected():
		if d.Clean || !errors.Is(d.Err, broken) {
			t.Fatalf("unexpected disconnect: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnect event")
	}
}

func TestTruncatedFrameBody(t *testing.T) {
	tr := newStarted(t, strings.NewReader("Content-Length: 50\r\n\r\n{\"short\":1}"), io.Discard)
	if _, err := tr.ReadMessage(context.Background()); err == nil {
		t.Fatal("truncated frame must fail")
	}
}

func TestWriteAppendsNewline(t *testing.T) {
	var out bytes.Buffer
	tr := newStarted(t, strings.NewReader(""), &out)

	if err := tr.WriteMessage(context.Background(), transport.NewMessage([]byte(`{"ok":1}`), transport.TypeResponse)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.String() != "{\"ok\":1}\n" {
		t.Fatalf("wire bytes: %q", out.String())
	}
}

func TestWriteDoesNotMutateCallerBuffer(t *testing.T) {
	var out bytes.Buffer
	tr := newStarted(t, strings.NewReader(""), &out)

	// A payload with spare capacity: the terminator must not land in the
	// caller's backing array.
	backing := []byte(`{"ok":1}!`)
	msg := transport.NewMessage(backing[:8], transport.TypeResponse)
	if err := tr.WriteMessage(context.Background(), msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if backing[8] != '!' {
		t.Fatalf("caller buffer mutated: %q", backing)
	}
	if out.String() != "{\"ok\":1}\n" {
		t.Fatalf("wire bytes: %q", out.String())
	}
}

func TestWriteAfterStopFails(t *testing.T) {
	tr := newStarted(t, strings.NewReader(""), io.Discard)
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	err := tr.WriteMessage(context.Background(), transport.NewMessage([]byte("x"), transport.TypeResponse))
	if !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tr := newStarted(t, strings.NewReader(""), io.Discard)
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if tr.IsConnected() {
		t.Fatal("stopped transport reports connected")
	}
}

func TestDoubleStartRejected(t *testing.T) {
	tr := newStarted(t, strings.NewReader(""), io.Discard)
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("second start must fail")
	}
}

// slowByteWriter forces interleaving opportunities by writing one byte at a time.
type slowByteWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *slowByteWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		w.buf.WriteByte(b)
	}
	return len(p), nil
}

func TestConcurrentWritesAreNotInterleaved(t *testing.T) {
	out := &slowByteWriter{}
	tr := newStarted(t, strings.NewReader(""), out)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf(`{"seq":%d}`, i))
			if err := tr.WriteMessage(context.Background(), transport.NewMessage(payload, transport.TypeResponse)); err != nil {
				t.Errorf("write %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(out.buf.String(), "\n"), "\n")
	if len(lines) != n {
		t.Fatalf("want %d lines, got %d", n, len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, `{"seq":`) || !strings.HasSuffix(line, "}") {
			t.Fatalf("interleaved frame: %q", line)
		}
	}
}

func TestReadBeforeStart(t *testing.T) {
	tr := New(WithReader(strings.NewReader("{}\n")))
	if _, err := tr.ReadMessage(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("want EOF before start, got %v", err)
	}
}
