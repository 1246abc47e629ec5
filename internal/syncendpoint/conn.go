package syncendpoint

import (
	"context"

	"nhooyr.io/websocket"
)

// Conn is the message channel the endpoint drives. *websocket.Conn satisfies
// it; tests substitute an in-memory pair.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a channel to address. It must honor ctx cancellation.
type Dialer func(ctx context.Context, address string) (Conn, error)

// WebSocketDialer dials ws:// and wss:// addresses. readLimit caps inbound
// frame size; zero keeps the library default.
func WebSocketDialer(opts *websocket.DialOptions, readLimit int64) Dialer {
	return func(ctx context.Context, address string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, address, opts)
		if err != nil {
			return nil, err
		}
		if readLimit > 0 {
			conn.SetReadLimit(readLimit)
		}
		return conn, nil
	}
}
