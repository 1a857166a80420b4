// Package timeouts defines shared timeout constants used across integrations.
// Centralizing these values prevents drift between client boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// HTTPProbe caps the wait time for a dependency health probe.
const HTTPProbe = 5 * time.Second

// WebhookRequest caps a single webhook round trip to n8n.
const WebhookRequest = 30 * time.Second

// SocketRequest caps the wait for a correlated websocket response.
const SocketRequest = 30 * time.Second

// SocketWrite limits how long a single websocket frame write may block.
const SocketWrite = 10 * time.Second

// PongWait is how long a websocket peer has to answer a ping before the
// connection is declared dead.
const PongWait = 10 * time.Second

// Shutdown limits how long background loops may take to drain during
// graceful shutdown.
const Shutdown = 5 * time.Second
