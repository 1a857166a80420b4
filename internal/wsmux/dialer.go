package wsmux

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicepipe/voicepipe/internal/platform/timeouts"
)

// Conn is the transport a Manager multiplexes over. The production
// implementation wraps a gorilla websocket; tests substitute an in-memory
// pipe.
type Conn interface {
	// ReadFrame blocks until the next frame arrives or the transport fails.
	ReadFrame() (Frame, error)

	// WriteFrame transmits one frame. Callers serialize writes.
	WriteFrame(Frame) error

	// WriteBinary transmits a raw binary message, used for audio streams.
	WriteBinary([]byte) error

	// Ping sends a transport-level liveness probe.
	Ping() error

	Close() error
}

// Dialer opens a Conn to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer dials real websocket endpoints.
type GorillaDialer struct {
	// Header is sent with the upgrade request, typically for auth.
	Header http.Header

	// PongWait bounds how long the peer may take to answer a ping.
	// Defaults to timeouts.PongWait.
	PongWait time.Duration
}

var _ Dialer = (*GorillaDialer)(nil)

func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	// Each answered ping clears the read deadline Ping armed.
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Time{})
	})
	pongWait := d.PongWait
	if pongWait <= 0 {
		pongWait = timeouts.PongWait
	}
	return &gorillaConn{ws: ws, pongWait: pongWait}, nil
}

type gorillaConn struct {
	ws       *websocket.Conn
	pongWait time.Duration
}

func (c *gorillaConn) ReadFrame() (Frame, error) {
	var f Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (c *gorillaConn) WriteFrame(f Frame) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeouts.SocketWrite)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

func (c *gorillaConn) WriteBinary(p []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeouts.SocketWrite)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

// Ping arms a read deadline the peer must beat with a pong. A silent
// peer times out ReadFrame, which the read loop treats as a dead
// connection.
func (c *gorillaConn) Ping() error {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		return err
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeouts.SocketWrite))
}

func (c *gorillaConn) Close() error {
	return c.ws.Close()
}
