package transport

import (
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// Conn is a byte stream to a remote endpoint. Direct connections wrap a TCP
// socket; relayed connections wrap a websocket carrying binary messages.
type Conn interface {
	io.ReadWriteCloser
	RemoteID() NodeID
}

type tcpConn struct {
	net.Conn
	remote NodeID
}

func (c *tcpConn) RemoteID() NodeID {
	return c.remote
}

// NewNetConn wraps an established network connection as a Conn.
func NewNetConn(c net.Conn, remote NodeID) Conn {
	return &tcpConn{Conn: c, remote: remote}
}

// wsConn adapts a websocket to io.ReadWriter. Reads drain one binary
// message at a time into a carry buffer so short Read calls see a
// continuous stream.
type wsConn struct {
	ws     *websocket.Conn
	remote NodeID
	buffer []byte
}

func newWSConn(ws *websocket.Conn, remote NodeID) *wsConn {
	return &wsConn{ws: ws, remote: remote}
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.buffer) > 0 {
		n := copy(p, c.buffer)
		c.buffer = c.buffer[n:]
		return n, nil
	}
	for {
		msgType, chunk, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.BinaryMessage || len(chunk) == 0 {
			continue
		}
		n := copy(p, chunk)
		if n < len(chunk) {
			c.buffer = chunk[n:]
		}
		return n, nil
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}

func (c *wsConn) RemoteID() NodeID {
	return c.remote
}
