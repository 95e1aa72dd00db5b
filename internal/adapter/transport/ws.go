package transport

import (
	"context"

	"nhooyr.io/websocket"
)

// maxFrameSize bounds a single stream frame. Argument deltas are small;
// anything larger indicates a misbehaving server.
const maxFrameSize = 4 * 1024 * 1024

// DialWebSocket is the default Dialer, opening a websocket to the stream URL.
func DialWebSocket(ctx context.Context, rawURL string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) (string, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// isNormalClose reports whether err represents a clean server-side close
// rather than a transport failure.
func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
