package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection to Conn. Gorilla permits one
// concurrent writer, so writes are serialized here.
type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

// Dial opens a websocket data channel to the given URL. Backends that
// tunnel the session's control traffic over a websocket instead of a WebRTC
// data channel use this as the default transport.
func Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWSConn(ws), nil
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
