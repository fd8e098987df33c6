package stream

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// Conn is one live, bidirectional message channel to the feed.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Transport dials the feed. Reconnection reuses the same logical channel
// abstraction regardless of what carries it.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// TokenSource yields the session tokens the feed requires on dial and in
// subscribe requests.
type TokenSource interface {
	Tokens(ctx context.Context) (cst, securityToken string, err error)
}

const readLimit = 1 << 20 // 1MiB

// WebsocketTransport dials the feed's streaming websocket endpoint with
// the session tokens as headers.
type WebsocketTransport struct {
	url    string
	tokens TokenSource
}

func NewWebsocketTransport(url string, tokens TokenSource) *WebsocketTransport {
	return &WebsocketTransport{
		url:    url,
		tokens: tokens,
	}
}

func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	cst, securityToken, err := t.tokens.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session tokens: %w", err)
	}

	header := http.Header{}
	header.Set("CST", cst)
	header.Set("X-SECURITY-TOKEN", securityToken)

	ws, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial feed: %w", err)
	}
	ws.SetReadLimit(readLimit)

	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "shutdown")
}
