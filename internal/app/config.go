package app

import (
	"time"

	"github.com/yungbote/relaychat-backend/internal/pkg/envutil"
)

type Config struct {
	JWTSecretKey   string
	AccessTokenTTL time.Duration

	DefaultModel string
	SystemPrompt string

	// Producer limits.
	MaxGenerationDuration time.Duration
	FragmentRetention     time.Duration

	// Sweeper.
	SweepInterval  time.Duration
	TaskStaleAfter time.Duration
	TaskRetention  time.Duration

	// Rate limiting.
	CreditsPerMonth int64

	// SSE.
	HeartbeatInterval time.Duration

	// Empty disables Redis; the fragment log and rate limit gate fall back
	// to in-process implementations.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func LoadConfig() Config {
	return Config{
		JWTSecretKey:   envutil.String("JWT_SECRET_KEY", "defaultsecret"),
		AccessTokenTTL: envutil.Duration("ACCESS_TOKEN_TTL", 30*24*time.Hour),

		DefaultModel: envutil.String("CHAT_DEFAULT_MODEL", ""),
		SystemPrompt: envutil.String("CHAT_SYSTEM_PROMPT", "You are a helpful assistant."),

		MaxGenerationDuration: envutil.Duration("MAX_GENERATION_DURATION", 5*time.Minute),
		FragmentRetention:     envutil.Duration("FRAGMENT_RETENTION", time.Hour),

		SweepInterval:  envutil.Duration("TASK_SWEEP_INTERVAL", time.Minute),
		TaskStaleAfter: envutil.Duration("TASK_STALE_AFTER", 10*time.Minute),
		TaskRetention:  envutil.Duration("TASK_RETENTION", 24*time.Hour),

		CreditsPerMonth: envutil.Int64("CREDITS_PER_MONTH", 200),

		HeartbeatInterval: envutil.Duration("SSE_HEARTBEAT_INTERVAL", 15*time.Second),

		RedisAddr:     envutil.String("REDIS_ADDR", ""),
		RedisPassword: envutil.String("REDIS_PASSWORD", ""),
		RedisDB:       envutil.Int("REDIS_DB", 0),
	}
}
