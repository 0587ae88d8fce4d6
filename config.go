package parley

import (
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config carries the deployment settings of an engine.
type Config struct {
	// OpenAIAPIKey authenticates against the assistant provider.
	OpenAIAPIKey string
	// AssistantID names the provider-side assistant runs execute against.
	AssistantID string
	// Instructions optionally override the assistant's instructions per run.
	Instructions string
	// JWTSecret verifies HS256 bearer tokens for authenticated sessions.
	JWTSecret string
	// RedisURL switches persistence from in-memory to Redis when set.
	RedisURL string
	// NATSURL switches event distribution from in-process to NATS when set.
	NATSURL string

	GuestTTL        time.Duration
	RunBudget       time.Duration
	ToolTimeout     time.Duration
	ToolConcurrency int
	PollInterval    time.Duration
}

// ConfigFromEnv reads the configuration from the environment, falling
// back to defaults where a variable is unset. A .env file in the working
// directory is loaded first.
func ConfigFromEnv() Config {
	return Config{
		OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
		AssistantID:     envStr("PARLEY_ASSISTANT_ID", ""),
		Instructions:    envStr("PARLEY_INSTRUCTIONS", ""),
		JWTSecret:       envStr("PARLEY_JWT_SECRET", ""),
		RedisURL:        envStr("REDIS_URL", ""),
		NATSURL:         envStr("NATS_URL", ""),
		GuestTTL:        envDuration("PARLEY_GUEST_TTL", 24*time.Hour),
		RunBudget:       envDuration("PARLEY_RUN_BUDGET", 10*time.Minute),
		ToolTimeout:     envDuration("PARLEY_TOOL_TIMEOUT", 30*time.Second),
		ToolConcurrency: envInt("PARLEY_TOOL_CONCURRENCY", 4),
		PollInterval:    envDuration("PARLEY_POLL_INTERVAL", 2*time.Second),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
