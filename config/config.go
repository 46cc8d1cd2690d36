package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Key styles for newly created sessions
const (
	KeyStyleOpaque = "opaque" // server-generated opaque key (uuid prefix)
	KeyStyleCode   = "code"   // 6-character dictation code
)

// Config holds all server configuration
type Config struct {
	Port           int
	RedisURL       string
	RedisPassword  string
	MaxSessions    int
	SessionTimeout time.Duration
	GeminiAPIKey   string
	AllowedOrigins []string
	KeyStyle       string
	KnowledgeDir   string // Optional directory of grounding documents
	MaxBufferSize  int    // Maximum pending input audio per relay in bytes
	Debug          bool
}

// ClientConfig holds configuration for the conversation client
type ClientConfig struct {
	ServerURL           string
	UserLang            string
	TargetLang          string
	PollInterval        time.Duration
	FrameInterval       time.Duration
	ReconnectDelay      time.Duration
	EnableTranscription bool
	Debug               bool
}

// LoadConfig loads server configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:           8765,
		RedisURL:       "localhost:6379",
		MaxSessions:    100,
		SessionTimeout: 30 * time.Minute,
		AllowedOrigins: []string{"*"},
		KeyStyle:       KeyStyleOpaque,
		MaxBufferSize:  5 * 1024 * 1024, // 5MB default
	}

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	var err error
	if config.Port, err = intFromEnv("PORT", config.Port); err != nil {
		return nil, err
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if config.MaxSessions, err = intFromEnv("MAX_SESSIONS", config.MaxSessions); err != nil {
		return nil, err
	}

	// SESSION_TIMEOUT is in minutes
	minutes, err := intFromEnv("SESSION_TIMEOUT", int(config.SessionTimeout/time.Minute))
	if err != nil {
		return nil, err
	}
	config.SessionTimeout = time.Duration(minutes) * time.Minute

	// ALLOWED_ORIGINS is comma-separated
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	if style := os.Getenv("KEY_STYLE"); style != "" {
		switch style {
		case KeyStyleOpaque, KeyStyleCode:
			config.KeyStyle = style
		default:
			return nil, fmt.Errorf("invalid KEY_STYLE: must be 'opaque' or 'code'")
		}
	}

	config.KnowledgeDir = os.Getenv("KNOWLEDGE_DIR")

	if config.MaxBufferSize, err = intFromEnv("MAX_BUFFER_SIZE", config.MaxBufferSize); err != nil {
		return nil, err
	}

	if config.Debug, err = boolFromEnv("DEBUG", false); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadClientConfig loads client configuration from environment variables with defaults
func LoadClientConfig() (*ClientConfig, error) {
	_ = godotenv.Load()

	config := &ClientConfig{
		ServerURL:           "http://localhost:8765",
		UserLang:            "en",
		TargetLang:          "es",
		EnableTranscription: true,
	}

	if serverURL := os.Getenv("SERVER_URL"); serverURL != "" {
		config.ServerURL = strings.TrimRight(serverURL, "/")
	}
	if lang := os.Getenv("USER_LANG"); lang != "" {
		config.UserLang = lang
	}
	if lang := os.Getenv("TARGET_LANG"); lang != "" {
		config.TargetLang = lang
	}

	pollMs, err := intFromEnv("POLL_INTERVAL_MS", 2000)
	if err != nil {
		return nil, err
	}
	config.PollInterval = time.Duration(pollMs) * time.Millisecond

	frameMs, err := intFromEnv("FRAME_INTERVAL_MS", 900)
	if err != nil {
		return nil, err
	}
	config.FrameInterval = time.Duration(frameMs) * time.Millisecond

	reconnectMs, err := intFromEnv("RECONNECT_DELAY_MS", 1000)
	if err != nil {
		return nil, err
	}
	config.ReconnectDelay = time.Duration(reconnectMs) * time.Millisecond

	if config.EnableTranscription, err = boolFromEnv("ENABLE_TRANSCRIPTION", config.EnableTranscription); err != nil {
		return nil, err
	}
	if config.Debug, err = boolFromEnv("DEBUG", false); err != nil {
		return nil, err
	}

	return config, nil
}

func intFromEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return v, nil
}

func boolFromEnv(name string, def bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
