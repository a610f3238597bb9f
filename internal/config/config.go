// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	HealthAddr     string

	DBDriver    string
	DBPath      string
	DatabaseURL string

	LabelFile     string
	LabelCacheTTL time.Duration
	PromptFile    string

	Kafka           KafkaConfig
	OpenAI          OpenAIConfig
	Realtime        RealtimeConfig
	Turn            TurnConfig
	Session         SessionConfig
	ConversationLog ConversationLogConfig
}

// KafkaConfig controls audit event publishing. Publishing is off when no
// brokers are configured.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether audit events are published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// OpenAIConfig holds text-mode and speech endpoint settings.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	ChatModel       string
	TranscribeModel string
	SpeechModel     string
	Voice           string
	SpeechTimeout   time.Duration
}

// RealtimeConfig holds the speech-to-speech model connection settings.
type RealtimeConfig struct {
	URL         string
	APIKey      string
	Voice       string
	AudioFormat string
}

// TurnConfig holds turn controller timing.
type TurnConfig struct {
	Debounce time.Duration
	Settle   time.Duration
}

// SessionConfig holds review session limits.
type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	QueueLimit    int
	MaxToolRounds int
}

// ConversationLogConfig controls NDJSON transcript logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}
	openAIKey := getEnv("OPENAI_API_KEY", "")

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		HealthAddr:     getEnv("GRPC_HEALTH_ADDR", ":9090"),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		DBPath:      getEnv("DB_PATH", "./data/meddpicc.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		LabelFile:     getEnv("SCORE_LABELS_FILE", ""),
		LabelCacheTTL: getEnvDuration("SCORE_LABELS_CACHE_TTL", 5*time.Minute),
		PromptFile:    getEnv("PROMPT_FILE", ""),

		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_AUDIT_TOPIC", "deal-audit-events"),
		},
		OpenAI: OpenAIConfig{
			APIKey:          openAIKey,
			BaseURL:         getEnv("OPENAI_BASE_URL", ""),
			ChatModel:       getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			TranscribeModel: getEnv("OPENAI_TRANSCRIBE_MODEL", "whisper-1"),
			SpeechModel:     getEnv("OPENAI_SPEECH_MODEL", "tts-1"),
			Voice:           getEnv("OPENAI_VOICE", "alloy"),
			SpeechTimeout:   getEnvDuration("SPEECH_TIMEOUT", 15*time.Second),
		},
		Realtime: RealtimeConfig{
			URL:         getEnv("REALTIME_URL", ""),
			APIKey:      getEnv("REALTIME_API_KEY", openAIKey),
			Voice:       getEnv("REALTIME_VOICE", "alloy"),
			AudioFormat: getEnv("REALTIME_AUDIO_FORMAT", "g711_ulaw"),
		},
		Turn: TurnConfig{
			Debounce: getEnvDuration("TURN_DEBOUNCE", 900*time.Millisecond),
			Settle:   getEnvDuration("TURN_SETTLE", 250*time.Millisecond),
		},
		Session: SessionConfig{
			TTL:           getEnvDuration("SESSION_TTL", 30*time.Minute),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
			QueueLimit:    getEnvInt("REVIEW_QUEUE_LIMIT", 10),
			MaxToolRounds: getEnvInt("MAX_TOOL_ROUNDS", 4),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_AUDIT_TOPIC cannot be empty when KAFKA_BROKERS is set")
	}
	if c.Turn.Debounce < 0 || c.Turn.Settle < 0 {
		return fmt.Errorf("TURN_DEBOUNCE and TURN_SETTLE must be >= 0")
	}
	if c.OpenAI.SpeechTimeout <= 0 {
		return fmt.Errorf("SPEECH_TIMEOUT must be > 0")
	}
	if c.Session.QueueLimit <= 0 {
		return fmt.Errorf("REVIEW_QUEUE_LIMIT must be > 0")
	}
	if c.Session.MaxToolRounds <= 0 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be > 0")
	}
	if c.Session.TTL <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_TTL and SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.LabelCacheTTL <= 0 {
		return fmt.Errorf("SCORE_LABELS_CACHE_TTL must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// TelephonyEnabled reports whether phone calls can be bridged.
func (c *Config) TelephonyEnabled() bool {
	return c.Realtime.URL != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
