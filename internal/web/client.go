package web

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/orbit/internal/consts"
	"github.com/codefionn/orbit/internal/protocol"
)

// wsConn adapts a gorilla connection to hub.Conn and protocol.FrameSource.
// Data frames are written only by the session's writer; pings and the close
// frame go through WriteControl, which gorilla allows concurrently.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn, maxFrameBytes int64) *wsConn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = consts.MaxFrameSize
	}
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(consts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(consts.PongWait))
	})
	return &wsConn{conn: conn}
}

// WriteMessage writes one text frame
func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(consts.WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and closes the socket
func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(consts.WriteWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// ReadFrame returns the next data frame. A closed peer yields an error
// wrapping protocol.ErrTransportClosed.
func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		return data, nil
	}

	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		return nil, fmt.Errorf("%w: peer sent close %d", protocol.ErrTransportClosed, closeErr.Code)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, fmt.Errorf("keepalive timeout: %w", err)
	}
	return nil, err
}

// keepalive pings the peer until done is closed or a ping fails
func (c *wsConn) keepalive(done <-chan struct{}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(consts.WriteWait)); err != nil {
				return
			}
		}
	}
}
