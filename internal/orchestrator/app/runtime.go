// Package app wires the orchestrator runtime: storage, service clients,
// the retry queue, and the health server.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/voicepipe/voicepipe/internal/integrations/broker"
	"github.com/voicepipe/voicepipe/internal/integrations/n8n"
	"github.com/voicepipe/voicepipe/internal/integrations/stt"
	"github.com/voicepipe/voicepipe/internal/integrations/tts"
	"github.com/voicepipe/voicepipe/internal/orchestrator"
	convsqlite "github.com/voicepipe/voicepipe/internal/orchestrator/storage/sqlite"
	"github.com/voicepipe/voicepipe/internal/platform/timeouts"
	"github.com/voicepipe/voicepipe/internal/resilience/queue"
	queuesqlite "github.com/voicepipe/voicepipe/internal/resilience/queue/storage/sqlite"
	"github.com/voicepipe/voicepipe/internal/wsmux"
)

// RuntimeConfig controls orchestrator startup and dependency wiring.
type RuntimeConfig struct {
	Port int

	QueueDBPath        string
	ConversationDBPath string
	QueueInterval      time.Duration
	QueueMaxItems      int

	N8NSocketURL     string
	N8NWebhookURL    string
	N8NWebhookSecret string
	N8NAuthToken     string

	STTSocketURL string
	STTHealthURL string
	STTLanguage  string
	STTModel     string

	TTSBaseURL  string
	TTSAPIKey   string
	TTSVoiceID  string
	TTSCacheDir string

	BrokerURL      string
	BrokerExchange string

	SessionID      string
	HealthInterval time.Duration
}

const (
	defaultPort           = 8090
	defaultQueueDB        = "data/queue.db"
	defaultConversationDB = "data/conversations.db"
)

// stack is the assembled dependency graph behind one orchestrator.
type stack struct {
	orch       *orchestrator.Orchestrator
	queueStore *queuesqlite.Store
	convStore  *convsqlite.Store
}

func (s *stack) close(ctx context.Context) {
	if err := s.orch.Shutdown(ctx); err != nil {
		log.Printf("orchestrator shutdown: %v", err)
	}
	if err := s.convStore.Close(); err != nil {
		log.Printf("close conversation store: %v", err)
	}
	if err := s.queueStore.Close(); err != nil {
		log.Printf("close queue store: %v", err)
	}
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}

// build assembles the stack without connecting anything.
func build(cfg RuntimeConfig) (*stack, error) {
	if strings.TrimSpace(cfg.QueueDBPath) == "" {
		cfg.QueueDBPath = defaultQueueDB
	}
	if strings.TrimSpace(cfg.ConversationDBPath) == "" {
		cfg.ConversationDBPath = defaultConversationDB
	}
	if err := ensureDir(cfg.QueueDBPath); err != nil {
		return nil, err
	}
	if err := ensureDir(cfg.ConversationDBPath); err != nil {
		return nil, err
	}

	queueStore, err := queuesqlite.Open(cfg.QueueDBPath, queuesqlite.Options{MaxItems: cfg.QueueMaxItems})
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	convStore, err := convsqlite.Open(cfg.ConversationDBPath, convsqlite.Options{})
	if err != nil {
		_ = queueStore.Close()
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	fail := func(err error) (*stack, error) {
		_ = convStore.Close()
		_ = queueStore.Close()
		return nil, err
	}

	processor, err := queue.NewProcessor(queueStore, queue.Options{Interval: cfg.QueueInterval})
	if err != nil {
		return fail(fmt.Errorf("build queue processor: %w", err))
	}

	workflow, err := n8n.NewClient(n8n.Config{
		SocketURL:     cfg.N8NSocketURL,
		WebhookURL:    cfg.N8NWebhookURL,
		WebhookSecret: cfg.N8NWebhookSecret,
		AuthToken:     cfg.N8NAuthToken,
	}, queueStore)
	if err != nil {
		return fail(fmt.Errorf("build n8n client: %w", err))
	}

	transcriber, err := stt.NewClient(stt.Config{
		SocketURL: cfg.STTSocketURL,
		HealthURL: cfg.STTHealthURL,
		Language:  cfg.STTLanguage,
		Model:     cfg.STTModel,
		VAD:       true,
	})
	if err != nil {
		return fail(fmt.Errorf("build stt client: %w", err))
	}

	speech, err := tts.NewClient(tts.Config{
		BaseURL:  cfg.TTSBaseURL,
		APIKey:   cfg.TTSAPIKey,
		VoiceID:  cfg.TTSVoiceID,
		CacheDir: cfg.TTSCacheDir,
	})
	if err != nil {
		return fail(fmt.Errorf("build tts client: %w", err))
	}

	events, err := broker.NewPublisher(broker.Config{
		URL:      cfg.BrokerURL,
		Exchange: cfg.BrokerExchange,
	})
	if err != nil {
		return fail(fmt.Errorf("build broker publisher: %w", err))
	}

	orch, err := orchestrator.New(orchestrator.Config{
		SessionID:      cfg.SessionID,
		HealthInterval: cfg.HealthInterval,
	}, orchestrator.Deps{
		Workflow:    workflow,
		Transcriber: transcriber,
		Speech:      speech,
		Events:      events,
		Queue:       processor,
		QueueStore:  queueStore,
		Store:       convStore,
		Sink:        logSink{},
	})
	if err != nil {
		return fail(fmt.Errorf("build orchestrator: %w", err))
	}

	return &stack{orch: orch, queueStore: queueStore, convStore: convStore}, nil
}

// Run starts the orchestrator and serves gRPC health until ctx is
// canceled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}

	s, err := build(cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		s.close(shutdownCtx)
	}()

	if err := s.orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on orchestrator port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("orchestrator.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("orchestrator listening at %v, session %s", listener.Addr(), s.orch.SessionID())
	<-ctx.Done()
	return nil
}

// Test builds the stack, probes every dependency once, and tears down.
func Test(ctx context.Context, cfg RuntimeConfig) error {
	s, err := build(cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		s.close(shutdownCtx)
	}()

	if err := s.orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	report := s.orch.TestIntegrations(ctx)
	log.Printf("n8n: socket %s, webhook ok %t %s", report.Workflow.SocketState, report.Workflow.WebhookOK, report.Workflow.WebhookError)
	log.Printf("stt: socket %s", report.Transcriber)
	if report.SpeechError != "" {
		log.Printf("tts: %s", report.SpeechError)
	} else {
		log.Printf("tts: %d/%d characters used", report.SpeechQuota.CharactersUsed, report.SpeechQuota.CharacterLimit)
	}
	log.Printf("broker: enabled %t", report.Broker)
	log.Printf("queue: %v", report.Queue)

	if !report.Workflow.WebhookOK && report.Workflow.SocketState != wsmux.StateConnected {
		return fmt.Errorf("n8n unreachable")
	}
	return nil
}

// logSink stands in for audio playback, which lives outside this process.
// It reports what would have played.
type logSink struct{}

func (logSink) Play(_ context.Context, audio []byte) error {
	log.Printf("playback: %d bytes of audio", len(audio))
	return nil
}
