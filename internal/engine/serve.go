package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/toolwire/toolwire/transport"
)

// Serve drives a transport: it reads messages sequentially, hands each to its
// own goroutine so a slow tool does not stall the next read, and writes
// responses back through the transport, which serializes frames on the wire.
// Serve returns nil on clean EOF and the causing error otherwise.
func (e *Engine) Serve(ctx context.Context, t transport.Transport) error {
	if err := t.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = t.Stop(context.WithoutCancel(ctx)) }()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := t.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.log.InfoContext(ctx, "engine.serve.eof")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := e.HandleMessage(ctx, msg.Payload)
			if resp == nil {
				return
			}
			payload, err := json.Marshal(resp)
			if err != nil {
				e.log.ErrorContext(ctx, "engine.serve.encode_fail", slog.String("err", err.Error()))
				return
			}
			typ := transport.TypeResponse
			if resp.Error != nil {
				typ = transport.TypeError
			}
			if err := t.WriteMessage(ctx, transport.NewMessage(payload, typ)); err != nil {
				if !errors.Is(err, transport.ErrClosed) {
					e.log.ErrorContext(ctx, "engine.serve.write_fail", slog.String("err", err.Error()))
				}
			}
		}()
	}
}
