package relay

import (
	"context"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// websocketDialer is the production Dialer.
type websocketDialer struct{}

func (websocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{c: c}, nil
}

type websocketConn struct {
	c *websocket.Conn
}

func (w *websocketConn) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, w.c, v)
}

func (w *websocketConn) ReadJSON(ctx context.Context, v any) error {
	return wsjson.Read(ctx, w.c, v)
}

func (w *websocketConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "done")
}
