package app

import (
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
	"github.com/yungbote/relaychat-backend/internal/platform/openai"
	"github.com/yungbote/relaychat-backend/internal/services"
	"github.com/yungbote/relaychat-backend/internal/stream"
)

type Services struct {
	Auth       services.AuthService
	Chat       services.ChatService
	Gate       services.RateLimitGate
	Reconciler *services.Reconciler
	Sweeper    *services.TaskSweeper

	FragmentLog stream.FragmentLog
	Producer    *stream.Producer
	Tailer      *stream.Tailer
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, repos Repos, rdb *goredis.Client) (Services, error) {
	log.Info("Wiring services...")

	var frags stream.FragmentLog
	var gate services.RateLimitGate
	if rdb != nil {
		var err error
		frags, err = stream.NewRedisFragmentLog(log, rdb)
		if err != nil {
			return Services{}, fmt.Errorf("init redis fragment log: %w", err)
		}
		gate = services.NewRedisRateLimitGate(log, rdb, cfg.CreditsPerMonth)
	} else {
		log.Warn("No Redis configured; using in-process fragment log and open rate limit gate")
		frags = stream.NewMemoryFragmentLog(log)
		gate = services.NewOpenRateLimitGate()
	}

	provider, err := openai.NewClient(log)
	if err != nil {
		return Services{}, fmt.Errorf("init openai client: %w", err)
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = provider.DefaultModel()
	}

	reconciler := services.NewReconciler(db, log, repos.Threads, repos.Messages, repos.Tasks, frags, gate)

	producer := stream.NewProducer(log, frags, services.NewTaskStore(repos.Tasks), reconciler, provider)
	producer.MaxDuration = cfg.MaxGenerationDuration
	producer.Retention = cfg.FragmentRetention

	tailer := stream.NewTailer(log, frags)

	auth := services.NewAuthService(log, cfg.JWTSecretKey, cfg.AccessTokenTTL)
	chat := services.NewChatService(db, log, repos.Threads, repos.Messages, repos.Tasks, gate, producer, defaultModel, cfg.SystemPrompt)

	sweeper := services.NewTaskSweeper(log, repos.Tasks, frags, reconciler)
	sweeper.Interval = cfg.SweepInterval
	sweeper.StaleAfter = cfg.TaskStaleAfter
	sweeper.Retention = cfg.TaskRetention

	return Services{
		Auth:        auth,
		Chat:        chat,
		Gate:        gate,
		Reconciler:  reconciler,
		Sweeper:     sweeper,
		FragmentLog: frags,
		Producer:    producer,
		Tailer:      tailer,
	}, nil
}
