package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Redis          RedisConfig
	Store          StoreConfig
	Chat           ChatConfig
	ICE            ICEConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// StoreConfig selects the shared document store backing presence and signals.
type StoreConfig struct {
	Backend            string // "redis" or "memory"
	KeyPrefix          string
	PresenceCollection string
	SignalCollection   string
	PresenceTTL        time.Duration // records not refreshed within this are dropped; 0 disables
}

// ChatConfig describes the local participant and broadcaster limits.
type ChatConfig struct {
	ParticipantID   string
	DisplayName     string
	TranscriptLimit int
	SendRate        float64
	SendBurst       int
}

// ICEConfig is STUN only; peers behind symmetric NATs may never connect.
type ICEConfig struct {
	STUNURLs            []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	participantID := getEnv("PARTICIPANT_ID", "")
	if participantID == "" {
		participantID = uuid.New().String()
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Store: StoreConfig{
			Backend:            getEnv("STORE_BACKEND", "redis"),
			KeyPrefix:          getEnv("KEY_PREFIX", "meshchat"),
			PresenceCollection: getEnv("PRESENCE_COLLECTION", "community_chat_users"),
			SignalCollection:   getEnv("SIGNAL_COLLECTION", "community_signals"),
			PresenceTTL:        getEnvDuration("PRESENCE_TTL", 30*time.Second),
		},
		Chat: ChatConfig{
			ParticipantID:   participantID,
			DisplayName:     getEnv("DISPLAY_NAME", "guest-"+participantID[:min(8, len(participantID))]),
			TranscriptLimit: getEnvInt("TRANSCRIPT_LIMIT", 500),
			SendRate:        getEnvFloat("SEND_RATE", 5),
			SendBurst:       getEnvInt("SEND_BURST", 10),
		},
		ICE: ICEConfig{
			STUNURLs:            splitList(getEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
			DisconnectedTimeout: getEnvDuration("ICE_DISCONNECTED_TIMEOUT", 5*time.Second),
			FailedTimeout:       getEnvDuration("ICE_FAILED_TIMEOUT", 25*time.Second),
			KeepAliveInterval:   getEnvDuration("ICE_KEEPALIVE_INTERVAL", 2*time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
