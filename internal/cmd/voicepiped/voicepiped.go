// Package voicepiped parses orchestrator command flags and launches the
// orchestrator runtime.
package voicepiped

import (
	"context"
	"flag"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/voicepipe/voicepipe/internal/orchestrator/app"
	entrypoint "github.com/voicepipe/voicepipe/internal/platform/cmd"
	"github.com/voicepipe/voicepipe/internal/platform/timeouts"
)

// Config holds orchestrator command configuration.
type Config struct {
	Port               int           `env:"VOICEPIPE_PORT" envDefault:"8090"`
	QueueDBPath        string        `env:"VOICEPIPE_QUEUE_DB_PATH" envDefault:"data/queue.db"`
	ConversationDBPath string        `env:"VOICEPIPE_CONVERSATION_DB_PATH" envDefault:"data/conversations.db"`
	QueueInterval      time.Duration `env:"VOICEPIPE_QUEUE_INTERVAL" envDefault:"30s"`
	QueueMaxItems      int           `env:"VOICEPIPE_QUEUE_MAX_ITEMS" envDefault:"1000"`

	N8NSocketURL     string `env:"VOICEPIPE_N8N_SOCKET_URL"`
	N8NWebhookURL    string `env:"VOICEPIPE_N8N_WEBHOOK_URL"`
	N8NWebhookSecret string `env:"VOICEPIPE_N8N_WEBHOOK_SECRET"`
	N8NAuthToken     string `env:"VOICEPIPE_N8N_AUTH_TOKEN"`

	STTSocketURL string `env:"VOICEPIPE_STT_SOCKET_URL" envDefault:"ws://localhost:8765/asr"`
	STTHealthURL string `env:"VOICEPIPE_STT_HEALTH_URL"`
	STTLanguage  string `env:"VOICEPIPE_STT_LANGUAGE" envDefault:"en"`
	STTModel     string `env:"VOICEPIPE_STT_MODEL" envDefault:"base"`

	TTSBaseURL  string `env:"VOICEPIPE_TTS_BASE_URL"`
	TTSAPIKey   string `env:"VOICEPIPE_TTS_API_KEY"`
	TTSVoiceID  string `env:"VOICEPIPE_TTS_VOICE_ID"`
	TTSCacheDir string `env:"VOICEPIPE_TTS_CACHE_DIR" envDefault:"data/tts-cache"`

	BrokerURL      string `env:"VOICEPIPE_BROKER_URL"`
	BrokerExchange string `env:"VOICEPIPE_BROKER_EXCHANGE" envDefault:"voicepipe.events"`

	SessionID      string        `env:"VOICEPIPE_SESSION_ID"`
	HealthInterval time.Duration `env:"VOICEPIPE_HEALTH_INTERVAL" envDefault:"60s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The orchestrator health gRPC server port")
	fs.StringVar(&cfg.QueueDBPath, "queue-db-path", cfg.QueueDBPath, "The retry queue SQLite database path")
	fs.StringVar(&cfg.ConversationDBPath, "conversation-db-path", cfg.ConversationDBPath, "The conversation SQLite database path")
	fs.DurationVar(&cfg.QueueInterval, "queue-interval", cfg.QueueInterval, "Retry queue drain interval")
	fs.IntVar(&cfg.QueueMaxItems, "queue-max-items", cfg.QueueMaxItems, "Retry queue capacity")
	fs.StringVar(&cfg.N8NSocketURL, "n8n-socket-url", cfg.N8NSocketURL, "The n8n websocket URL")
	fs.StringVar(&cfg.N8NWebhookURL, "n8n-webhook-url", cfg.N8NWebhookURL, "The n8n webhook fallback URL")
	fs.StringVar(&cfg.STTSocketURL, "stt-socket-url", cfg.STTSocketURL, "The transcription websocket URL")
	fs.StringVar(&cfg.STTHealthURL, "stt-health-url", cfg.STTHealthURL, "The transcription health probe URL")
	fs.StringVar(&cfg.STTLanguage, "stt-language", cfg.STTLanguage, "Transcription language hint")
	fs.StringVar(&cfg.STTModel, "stt-model", cfg.STTModel, "Transcription model")
	fs.StringVar(&cfg.TTSVoiceID, "tts-voice-id", cfg.TTSVoiceID, "Synthesis voice id")
	fs.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "The AMQP broker URL, empty to disable")
	fs.StringVar(&cfg.SessionID, "session-id", cfg.SessionID, "Conversation session id, empty for a fresh one")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func runtimeConfig(cfg Config) app.RuntimeConfig {
	return app.RuntimeConfig{
		Port:               cfg.Port,
		QueueDBPath:        cfg.QueueDBPath,
		ConversationDBPath: cfg.ConversationDBPath,
		QueueInterval:      cfg.QueueInterval,
		QueueMaxItems:      cfg.QueueMaxItems,
		N8NSocketURL:       cfg.N8NSocketURL,
		N8NWebhookURL:      cfg.N8NWebhookURL,
		N8NWebhookSecret:   cfg.N8NWebhookSecret,
		N8NAuthToken:       cfg.N8NAuthToken,
		STTSocketURL:       cfg.STTSocketURL,
		STTHealthURL:       cfg.STTHealthURL,
		STTLanguage:        cfg.STTLanguage,
		STTModel:           cfg.STTModel,
		TTSBaseURL:         cfg.TTSBaseURL,
		TTSAPIKey:          cfg.TTSAPIKey,
		TTSVoiceID:         cfg.TTSVoiceID,
		TTSCacheDir:        cfg.TTSCacheDir,
		BrokerURL:          cfg.BrokerURL,
		BrokerExchange:     cfg.BrokerExchange,
		SessionID:          cfg.SessionID,
		HealthInterval:     cfg.HealthInterval,
	}
}

// Run starts the orchestrator runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceOrchestrator, func(context.Context) error {
		return app.Run(ctx, runtimeConfig(cfg))
	})
}

// RunTest probes every configured dependency once and reports.
func RunTest(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceOrchestrator, func(context.Context) error {
		return app.Test(ctx, runtimeConfig(cfg))
	})
}

// RunHealth checks a running orchestrator's gRPC health endpoint.
func RunHealth(ctx context.Context, cfg Config) error {
	checkCtx, cancel := context.WithTimeout(ctx, timeouts.HTTPProbe)
	defer cancel()

	conn, err := grpc.NewClient(
		fmt.Sprintf("localhost:%d", cfg.Port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("dial orchestrator: %w", err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("orchestrator not serving: %s", resp.GetStatus())
	}
	fmt.Println("ok")
	return nil
}
