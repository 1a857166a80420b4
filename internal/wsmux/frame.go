// Package wsmux multiplexes request/response and event traffic over one
// long-lived websocket. It owns the connection lifecycle: handshake,
// liveness pings, inbound dispatch, and reconnection with linear backoff.
package wsmux

import "time"

// Frame types carried on the wire.
const (
	FrameRequest   = "request"
	FrameResponse  = "response"
	FrameEvent     = "event"
	FrameError     = "error"
	FrameHandshake = "handshake"
)

// Frame is the wire envelope. Requests carry a unique ID that the peer
// echoes on the matching response.
type Frame struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Method    string         `json:"method,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Handshake is sent as the first frame after dialing when configured.
type Handshake struct {
	Version string
	Client  string
	Token   string
}

func (h Handshake) frame(now time.Time) Frame {
	data := map[string]any{
		"version": h.Version,
		"client":  h.Client,
	}
	if h.Token != "" {
		data["token"] = h.Token
	}
	return Frame{Type: FrameHandshake, Data: data, Timestamp: now.UnixMilli()}
}
