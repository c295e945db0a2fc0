package app

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/relaychat-backend/internal/http"
	httpH "github.com/yungbote/relaychat-backend/internal/http/handlers"
	httpMW "github.com/yungbote/relaychat-backend/internal/http/middleware"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Health *httpH.HealthHandler
	Auth   *httpH.AuthHandler
	Chat   *httpH.ChatHandler
	Stream *httpH.StreamHandler
}

func wireMiddleware(log *logger.Logger, services Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, services.Auth),
	}
}

func wireHandlers(log *logger.Logger, cfg Config, services Services) Handlers {
	log.Info("Wiring handlers...")
	streamHandler := httpH.NewStreamHandler(log, services.Chat, services.Tailer)
	streamHandler.HeartbeatInterval = cfg.HeartbeatInterval
	return Handlers{
		Health: httpH.NewHealthHandler(),
		Auth:   httpH.NewAuthHandler(services.Auth),
		Chat:   httpH.NewChatHandler(services.Chat),
		Stream: streamHandler,
	}
}

func wireRouter(log *logger.Logger, handlers Handlers, middleware Middleware) *gin.Engine {
	return http.NewRouter(http.RouterConfig{
		Log:            log,
		HealthHandler:  handlers.Health,
		AuthHandler:    handlers.Auth,
		ChatHandler:    handlers.Chat,
		StreamHandler:  handlers.Stream,
		AuthMiddleware: middleware.Auth,
	})
}
