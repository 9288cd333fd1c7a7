// Package config reads the bridge's settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr       string
	PublicHost string
	LogLevel   slog.Level

	DatabaseURL   string
	NotifyChannel string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	ChatModel     string
	SummaryModel  string

	// Realtime speech model.
	RealtimeURL       string
	RealtimeModel     string
	Voice             string
	TranscribeModel   string
	VADThreshold      float64
	VADPrefixPadding  time.Duration
	VADSilence        time.Duration
	HandshakeTimeout  time.Duration
	WSWriteTimeout    time.Duration
	GreetingFallback  time.Duration
	CloseGrace        time.Duration
	TaskTimeout       time.Duration
	ShutdownGrace     time.Duration
	ReadHeaderTimeout time.Duration

	ScriptPath string
}

// LoadDotEnv loads a .env file when one exists.  Variables already set in
// the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:              ":" + envOr("PORT", "8080"),
		PublicHost:        envOr("PUBLIC_HOST", ""),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		NotifyChannel:     envOr("POSTGRES_NOTIFY_CHANNEL", "conversation_updates"),
		OpenAIAPIKey:      envOr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     envOr("OPENAI_BASE_URL", ""),
		ChatModel:         envOr("OPENAI_MODEL_CHAT", "gpt-4o-mini"),
		SummaryModel:      envOr("OPENAI_MODEL_SUMMARY", ""),
		RealtimeURL:       envOr("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:     envOr("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		Voice:             envOr("REALTIME_VOICE", "alloy"),
		TranscribeModel:   envOr("REALTIME_TRANSCRIBE_MODEL", "whisper-1"),
		VADThreshold:      envFloat64Or("VAD_THRESHOLD", 0.5),
		VADPrefixPadding:  envDurationOr("VAD_PREFIX_PADDING", 300*time.Millisecond),
		VADSilence:        envDurationOr("VAD_SILENCE", 500*time.Millisecond),
		HandshakeTimeout:  envDurationOr("REALTIME_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSWriteTimeout:    envDurationOr("WS_WRITE_TIMEOUT", 5*time.Second),
		GreetingFallback:  envDurationOr("GREETING_FALLBACK", 1500*time.Millisecond),
		CloseGrace:        envDurationOr("CLOSE_GRACE", 3*time.Second),
		TaskTimeout:       envDurationOr("TASK_TIMEOUT", 20*time.Second),
		ShutdownGrace:     envDurationOr("SHUTDOWN_GRACE", 15*time.Second),
		ReadHeaderTimeout: envDurationOr("READ_HEADER_TIMEOUT", 10*time.Second),
		ScriptPath:        envOr("INTAKE_SCRIPT_PATH", ""),
	}

	level, err := parseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VAD_THRESHOLD must be between 0 and 1")
	}
	if cfg.GreetingFallback <= 0 {
		return Config{}, fmt.Errorf("GREETING_FALLBACK must be > 0")
	}
	if cfg.CloseGrace < 0 {
		return Config{}, fmt.Errorf("CLOSE_GRACE must be >= 0")
	}
	if cfg.TaskTimeout <= 0 {
		return Config{}, fmt.Errorf("TASK_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.ChatModel
	}
	return cfg, nil
}

func parseLevel(raw string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(raw))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL must be one of debug|info|warn|error")
	}
	return l, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
