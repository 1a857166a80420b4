// Package orchestrator composes the service clients into the voice flow:
// final transcriptions become workflow prompts, workflow responses become
// synthesized speech, and every dependency degrades independently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicepipe/voicepipe/internal/integrations/broker"
	"github.com/voicepipe/voicepipe/internal/integrations/n8n"
	"github.com/voicepipe/voicepipe/internal/integrations/stt"
	"github.com/voicepipe/voicepipe/internal/integrations/tts"
	"github.com/voicepipe/voicepipe/internal/orchestrator/storage"
	"github.com/voicepipe/voicepipe/internal/resilience/queue"
	qstorage "github.com/voicepipe/voicepipe/internal/resilience/queue/storage"
	"github.com/voicepipe/voicepipe/internal/wsmux"
)

// State of the session lifecycle.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateListening    State = "listening"
	StateProcessing   State = "processing"
	StateSpeaking     State = "speaking"
	StateError        State = "error"
	StateShuttingDown State = "shutting_down"
)

// Workflow is the slice of the n8n client the orchestrator drives.
type Workflow interface {
	Connect(ctx context.Context) error
	ProcessPrompt(ctx context.Context, text, sessionID string, history []map[string]any) (map[string]any, error)
	RetryHandler(ctx context.Context, method string, payload, metadata map[string]any) error
	TestConnection(ctx context.Context) n8n.Diagnostics
	Close() error
}

// Transcriber is the slice of the stt client the orchestrator drives.
type Transcriber interface {
	Connect(ctx context.Context) error
	OnTranscription(stt.Handler)
	SetLanguage(language string) error
	SetModel(model string) error
	State() wsmux.State
	Close() error
}

// Speech is the slice of the tts client the orchestrator drives.
type Speech interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Quota(ctx context.Context) (tts.Quota, error)
}

// Events is the slice of the broker publisher the orchestrator drives.
type Events interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, ev broker.Event) error
	Enabled() bool
	Close() error
}

// Deps are the collaborators an Orchestrator composes. Workflow,
// Transcriber, Speech, Sink, and Store are required; Events and Queue
// are optional.
type Deps struct {
	Workflow    Workflow
	Transcriber Transcriber
	Speech      Speech
	Events      Events
	Queue       *queue.Processor
	QueueStore  qstorage.Store
	Store       storage.Store
	Sink        tts.Sink
}

// Config for an Orchestrator.
type Config struct {
	// SessionID scopes conversation history. Defaults to a fresh uuid.
	SessionID string

	// HistoryLimit bounds the rolling context sent with each prompt.
	// Defaults to 10 turns.
	HistoryLimit int

	// HealthInterval between dependency health samples. Defaults to 60
	// seconds.
	HealthInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Minute
	}
}

// Orchestrator owns the session lifecycle and the end-to-end voice flow.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates deps and wires the transcription flow. Call Start to
// bring dependencies up.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Workflow == nil:
		return nil, errors.New("orchestrator: workflow client is required")
	case deps.Transcriber == nil:
		return nil, errors.New("orchestrator: transcriber client is required")
	case deps.Speech == nil:
		return nil, errors.New("orchestrator: speech client is required")
	case deps.Sink == nil:
		return nil, errors.New("orchestrator: playback sink is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: conversation store is required")
	}
	cfg.setDefaults()

	o := &Orchestrator{cfg: cfg, deps: deps, state: StateInitializing}
	deps.Transcriber.OnTranscription(o.onTranscription)
	return o, nil
}

// State reports the session lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionID reports the conversation session this run is scoped to.
func (o *Orchestrator) SessionID() string { return o.cfg.SessionID }

func (o *Orchestrator) setState(next State) {
	o.mu.Lock()
	prev := o.state
	if prev == next {
		o.mu.Unlock()
		return
	}
	o.state = next
	o.mu.Unlock()

	log.Printf("orchestrator: %s -> %s", prev, next)
	o.publish("voice.state", map[string]any{"from": string(prev), "to": string(next)})
}

// Start connects every dependency and launches the background loops.
// A dependency that fails to connect degrades that path, it does not
// abort startup: the retry queue and reconnect logic pick it up later.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.setState(StateInitializing)

	if err := o.deps.Workflow.Connect(ctx); err != nil {
		log.Printf("orchestrator: workflow connect: %v", err)
	}
	if err := o.deps.Transcriber.Connect(ctx); err != nil {
		log.Printf("orchestrator: transcriber connect: %v", err)
	}
	if o.deps.Events != nil {
		if err := o.deps.Events.Connect(ctx); err != nil {
			log.Printf("orchestrator: broker connect: %v", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	if o.deps.Queue != nil {
		if err := o.deps.Queue.RegisterHandler(n8n.Service, o.deps.Workflow.RetryHandler); err != nil {
			cancel()
			return fmt.Errorf("register retry handler: %w", err)
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.deps.Queue.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("orchestrator: queue processor: %v", err)
			}
		}()
	}

	o.wg.Add(1)
	go o.healthLoop(loopCtx)

	o.setState(StateReady)
	o.setState(StateListening)
	return nil
}

// onTranscription drives the voice flow for final utterances. Partial
// results are progress reporting only.
func (o *Orchestrator) onTranscription(tr stt.Transcription) {
	if !tr.Final || tr.Text == "" {
		return
	}
	if o.State() != StateListening {
		log.Printf("orchestrator: dropping utterance while %s: %q", o.State(), tr.Text)
		return
	}
	o.setState(StateProcessing)
	defer o.setState(StateListening)

	ctx := context.Background()
	o.publish("voice.transcription.final", map[string]any{
		"text":       tr.Text,
		"confidence": tr.Confidence,
	})

	// History persistence is best-effort: a store failure costs context,
	// not the conversation.
	if _, err := o.deps.Store.SaveMessage(ctx, o.cfg.SessionID, storage.RoleUser, tr.Text); err != nil {
		log.Printf("orchestrator: save user message: %v", err)
	}
	history := o.history(ctx)

	resp, err := o.deps.Workflow.ProcessPrompt(ctx, tr.Text, o.cfg.SessionID, history)
	if err != nil {
		if errors.Is(err, n8n.ErrDeferred) {
			log.Printf("orchestrator: prompt deferred: %v", err)
		} else {
			log.Printf("orchestrator: process prompt: %v", err)
		}
		return
	}

	if cmd, ok := resp["command"]; ok {
		o.dispatchCommand(ctx, cmd)
	}

	text, _ := resp["response"].(string)
	if text == "" {
		return
	}
	if _, err := o.deps.Store.SaveMessage(ctx, o.cfg.SessionID, storage.RoleAssistant, text); err != nil {
		log.Printf("orchestrator: save assistant message: %v", err)
	}

	o.setState(StateSpeaking)
	o.speak(ctx, text)
}

func (o *Orchestrator) speak(ctx context.Context, text string) {
	audio, err := o.deps.Speech.Synthesize(ctx, text)
	if err != nil {
		log.Printf("orchestrator: synthesize: %v", err)
		return
	}
	if err := o.deps.Sink.Play(ctx, audio); err != nil {
		log.Printf("orchestrator: playback: %v", err)
		return
	}
	o.publish("voice.response.spoken", map[string]any{"text": text})
}

func (o *Orchestrator) history(ctx context.Context) []map[string]any {
	messages, err := o.deps.Store.RecentMessages(ctx, o.cfg.SessionID, o.cfg.HistoryLimit)
	if err != nil {
		log.Printf("orchestrator: load history: %v", err)
		return nil
	}
	history := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		history = append(history, map[string]any{"role": m.Role, "content": m.Content})
	}
	return history
}

// dispatchCommand executes a control command embedded in a workflow
// response.
func (o *Orchestrator) dispatchCommand(ctx context.Context, raw any) {
	cmd, ok := raw.(map[string]any)
	if !ok {
		log.Printf("orchestrator: malformed command %v", raw)
		return
	}
	name, _ := cmd["name"].(string)
	switch name {
	case "set_language":
		language, _ := cmd["language"].(string)
		if language == "" {
			log.Printf("orchestrator: set_language without language")
			return
		}
		if err := o.deps.Transcriber.SetLanguage(language); err != nil {
			log.Printf("orchestrator: set language: %v", err)
		}
	case "clear_history":
		cleared, err := o.deps.Store.ClearHistory(ctx, o.cfg.SessionID)
		if err != nil {
			log.Printf("orchestrator: clear history: %v", err)
			return
		}
		log.Printf("orchestrator: cleared %d history turns", cleared)
	default:
		log.Printf("orchestrator: unknown command %q", name)
	}
}

// publish fire-and-forgets a broker event; failures count against the
// broker's breaker but never block the voice flow.
func (o *Orchestrator) publish(eventType string, data map[string]any) {
	if o.deps.Events == nil || !o.deps.Events.Enabled() {
		return
	}
	ev := broker.Event{
		Type:          eventType,
		CorrelationID: o.cfg.SessionID,
		Data:          data,
	}
	if err := o.deps.Events.Publish(context.Background(), ev); err != nil {
		log.Printf("orchestrator: publish %s: %v", eventType, err)
	}
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sampleHealth(ctx)
		}
	}
}

// sampleHealth records one healthy/unhealthy sample per dependency.
func (o *Orchestrator) sampleHealth(ctx context.Context) {
	diag := o.deps.Workflow.TestConnection(ctx)
	workflowHealthy := diag.WebhookOK || diag.SocketState == wsmux.StateConnected
	o.recordHealth(ctx, n8n.Service, workflowHealthy)

	o.recordHealth(ctx, stt.Service, o.deps.Transcriber.State() == wsmux.StateConnected)

	if o.deps.Events != nil && o.deps.Events.Enabled() {
		o.recordHealth(ctx, broker.Service, true)
	}
}

func (o *Orchestrator) recordHealth(ctx context.Context, service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	labels := map[string]any{"service": service}
	if err := o.deps.Store.RecordMetric(ctx, "dependency_healthy", value, labels); err != nil {
		log.Printf("orchestrator: record health for %s: %v", service, err)
	}
}

// Report is the result of TestIntegrations.
type Report struct {
	Workflow    n8n.Diagnostics
	Transcriber wsmux.State
	SpeechQuota tts.Quota
	SpeechError string
	Broker      bool
	Queue       map[qstorage.Status]int
}

// TestIntegrations probes every dependency, used by the test subcommand.
func (o *Orchestrator) TestIntegrations(ctx context.Context) Report {
	r := Report{
		Workflow:    o.deps.Workflow.TestConnection(ctx),
		Transcriber: o.deps.Transcriber.State(),
	}
	quota, err := o.deps.Speech.Quota(ctx)
	if err != nil {
		r.SpeechError = err.Error()
	} else {
		r.SpeechQuota = quota
	}
	if o.deps.Events != nil {
		r.Broker = o.deps.Events.Enabled()
	}
	if o.deps.QueueStore != nil {
		stats, err := o.deps.QueueStore.Stats(ctx)
		if err != nil {
			log.Printf("orchestrator: queue stats: %v", err)
		} else {
			r.Queue = stats
		}
	}
	return r
}

// Shutdown stops the background loops, closes every client, and joins
// before returning.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.setState(StateShuttingDown)
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}

	var errs []error
	if err := o.deps.Transcriber.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transcriber: %w", err))
	}
	if err := o.deps.Workflow.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close workflow: %w", err))
	}
	if o.deps.Events != nil {
		if err := o.deps.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	return errors.Join(errs...)
}
