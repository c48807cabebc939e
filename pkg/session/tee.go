package session

import (
	"context"
	"io"

	"github.com/musistudio/claude-code-router/pkg/anthropic"
	"github.com/musistudio/claude-code-router/pkg/sse"
)

// TeeUsage wraps a stream so that a background task parses message_delta
// events and records usage for the session. The returned reader must be
// consumed and closed by the caller as usual; cancellation of ctx releases
// the background reader.
func TeeUsage(ctx context.Context, stream io.ReadCloser, cache *UsageCache, sessionID string) io.ReadCloser {
	if cache == nil || sessionID == "" {
		return stream
	}

	side := make(chan []byte, 64)
	go consumeUsage(ctx, side, cache, sessionID)

	return &teeReader{stream: stream, side: side}
}

type teeReader struct {
	stream io.ReadCloser
	side   chan []byte
	closed bool
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.stream.Read(p)
	if n > 0 && !t.closed {
		buf := make([]byte, n)
		copy(buf, p[:n])
		select {
		case t.side <- buf:
		default:
			// Side channel is behind; usage tracking is best-effort.
		}
	}
	if err != nil && !t.closed {
		t.closed = true
		close(t.side)
	}
	return n, err
}

func (t *teeReader) Close() error {
	if !t.closed {
		t.closed = true
		close(t.side)
	}
	return t.stream.Close()
}

// consumeUsage parses the teed bytes as SSE and records usage counters.
func consumeUsage(ctx context.Context, side <-chan []byte, cache *UsageCache, sessionID string) {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-side:
				if !ok {
					return
				}
				if _, err := pw.Write(chunk); err != nil {
					return
				}
			}
		}
	}()

	parser := sse.NewParser(pr)
	for {
		event, err := parser.Next()
		if err != nil {
			return
		}
		if event.Payload == nil {
			continue
		}
		switch event.Payload.Type {
		case anthropic.EventMessageStart:
			if event.Payload.Message != nil && event.Payload.Message.Usage != nil {
				cache.Put(sessionID, *event.Payload.Message.Usage)
			}
		case anthropic.EventMessageDelta:
			if event.Payload.Usage != nil {
				cache.Put(sessionID, *event.Payload.Usage)
			}
		}
	}
}
