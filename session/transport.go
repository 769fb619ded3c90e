package session

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Transport sends and receives whole relay messages. It abstracts the
// underlying connection so Session can be exercised against a fake in
// tests without a live socket.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// WebsocketTransport is a Transport backed by a gorilla/websocket
// connection to a single relay.
type WebsocketTransport struct {
	conn *websocket.Conn
}

// DialWebsocket opens a websocket connection to a relay URL (ws:// or
// wss://) and returns a ready Transport.
func DialWebsocket(ctx context.Context, url string) (*WebsocketTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", url, err)
	}
	return &WebsocketTransport{conn: conn}, nil
}

// Send writes one text frame, honoring ctx's deadline as a write deadline.
func (t *WebsocketTransport) Send(ctx context.Context, msg []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(dl); err != nil {
			return fmt.Errorf("session: set write deadline: %w", err)
		}
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	return nil
}

// Recv reads the next text frame, honoring ctx's deadline as a read
// deadline.
func (t *WebsocketTransport) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(dl); err != nil {
			return nil, fmt.Errorf("session: set read deadline: %w", err)
		}
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("session: recv: %w", err)
	}
	return data, nil
}

// Close closes the underlying connection.
func (t *WebsocketTransport) Close() error {
	return t.conn.Close()
}
