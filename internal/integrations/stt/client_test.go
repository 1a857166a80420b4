package stt

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voicepipe/voicepipe/internal/wsmux"
)

type fakeConn struct {
	inbound chan wsmux.Frame
	frames  chan wsmux.Frame
	binary  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan wsmux.Frame, 16),
		frames:  make(chan wsmux.Frame, 64),
		binary:  make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (wsmux.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return wsmux.Frame{}, context.Canceled
	}
}

func (c *fakeConn) WriteFrame(f wsmux.Frame) error {
	select {
	case <-c.closed:
		return context.Canceled
	default:
	}
	c.frames <- f
	return nil
}

func (c *fakeConn) WriteBinary(p []byte) error {
	select {
	case <-c.closed:
		return context.Canceled
	default:
	}
	c.binary <- p
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (wsmux.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func newTestClient(t *testing.T, cfg Config) (*Client, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	cfg.SocketURL = "ws://test/asr"
	cfg.Dialer = dialer
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Fatalf("close client: %v", err)
		}
	})
	return client, dialer
}

func waitFrame(t *testing.T, c *fakeConn) wsmux.Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame written")
		return wsmux.Frame{}
	}
}

func TestConnectSendsConfigFrame(t *testing.T) {
	client, dialer := newTestClient(t, Config{Model: "small", Language: "pt", VAD: true})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	f := waitFrame(t, dialer.conn(0))
	if f.Type != wsmux.FrameEvent || f.Method != "config" {
		t.Fatalf("first frame = %s %s, want event config", f.Type, f.Method)
	}
	if f.Data["model"] != "small" || f.Data["language"] != "pt" || f.Data["vad"] != true {
		t.Fatalf("config data = %v", f.Data)
	}
	if f.Data["sample_rate"] != 16000 {
		t.Fatalf("sample_rate = %v, want 16000", f.Data["sample_rate"])
	}
}

func TestTranscriptionEventsReachHandlers(t *testing.T) {
	client, dialer := newTestClient(t, Config{})

	got := make(chan Transcription, 4)
	client.OnTranscription(func(tr Transcription) { got <- tr })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := dialer.conn(0)

	conn.inbound <- wsmux.Frame{Type: wsmux.FrameEvent, Method: "transcription", Data: map[string]any{
		"text": "turn on the", "final": false, "confidence": 0.4,
	}}
	conn.inbound <- wsmux.Frame{Type: wsmux.FrameEvent, Method: "transcription", Data: map[string]any{
		"text": "turn on the lights", "final": true, "confidence": 0.93, "language": "en",
	}}

	partial := <-got
	if partial.Final || partial.Text != "turn on the" {
		t.Fatalf("partial = %+v", partial)
	}
	final := <-got
	if !final.Final || final.Text != "turn on the lights" || final.Confidence != 0.93 {
		t.Fatalf("final = %+v", final)
	}
}

func TestAudioBuffersWhileDisconnectedAndFlushes(t *testing.T) {
	client, dialer := newTestClient(t, Config{BufferLimit: 8})
	ctx := context.Background()

	// Disconnected: chunks buffer instead of failing.
	for i := 0; i < 3; i++ {
		if err := client.SendAudio(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("buffered send %d: %v", i, err)
		}
	}
	if got := client.BufferedChunks(); got != 3 {
		t.Fatalf("buffered = %d, want 3", got)
	}

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := dialer.conn(0)
	waitFrame(t, conn) // config

	for i := 0; i < 3; i++ {
		select {
		case p := <-conn.binary:
			if !bytes.Equal(p, []byte{byte(i)}) {
				t.Fatalf("flushed chunk %d = %v", i, p)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("chunk %d never flushed", i)
		}
	}
	if got := client.BufferedChunks(); got != 0 {
		t.Fatalf("buffered after flush = %d, want 0", got)
	}
}

func TestAudioBufferDropsOldestOnOverflow(t *testing.T) {
	client, _ := newTestClient(t, Config{BufferLimit: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := client.SendAudio(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := client.BufferedChunks(); got != 2 {
		t.Fatalf("buffered = %d, want limit 2", got)
	}
	client.mu.Lock()
	newest := client.buffer[len(client.buffer)-1]
	client.mu.Unlock()
	if !bytes.Equal(newest, []byte{4}) {
		t.Fatalf("newest chunk = %v, want [4]", newest)
	}
}

func TestSetLanguageReconfiguresLiveStream(t *testing.T) {
	client, dialer := newTestClient(t, Config{})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := dialer.conn(0)
	waitFrame(t, conn) // initial config

	if err := client.SetLanguage("de"); err != nil {
		t.Fatalf("set language: %v", err)
	}
	f := waitFrame(t, conn)
	if f.Method != "config" || f.Data["language"] != "de" {
		t.Fatalf("reconfig frame = %+v", f)
	}
}

func TestFailedHealthProbeBlocksConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, dialer := newTestClient(t, Config{HealthURL: srv.URL + "/health"})
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail on unhealthy probe")
	}
	dialer.mu.Lock()
	dials := len(dialer.conns)
	dialer.mu.Unlock()
	if dials != 0 {
		t.Fatalf("dials = %d, want 0 when probe fails", dials)
	}
}

func TestHealthLoopTearsDownSocket(t *testing.T) {
	var mu sync.Mutex
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		ok := healthy
		mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client, _ := newTestClient(t, Config{
		HealthURL:      srv.URL + "/health",
		HealthInterval: 10 * time.Millisecond,
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	mu.Lock()
	healthy = false
	mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if client.State() != wsmux.StateConnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want socket torn down after failed probes", client.State())
}
