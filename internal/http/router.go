package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/yungbote/relaychat-backend/internal/http/handlers"
	httpMW "github.com/yungbote/relaychat-backend/internal/http/middleware"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	HealthHandler *httpH.HealthHandler
	AuthHandler   *httpH.AuthHandler
	ChatHandler   *httpH.ChatHandler
	StreamHandler *httpH.StreamHandler

	AuthMiddleware *httpMW.AuthMiddleware
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/api/health", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Auth (public): anonymous session bootstrap.
		if cfg.AuthHandler != nil {
			api.POST("/auth/session", cfg.AuthHandler.CreateSession)
		}
	}

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.ChatHandler != nil {
			protected.POST("/chat/threads", cfg.ChatHandler.CreateThread)
			protected.GET("/chat/threads", cfg.ChatHandler.ListThreads)
			protected.GET("/chat/threads/:id", cfg.ChatHandler.GetThread)
		}

		if cfg.StreamHandler != nil {
			protected.POST("/chat/stream", cfg.StreamHandler.StartStream)
			protected.GET("/chat/threads/:id/resume", cfg.StreamHandler.Resume)
		}
	}

	return r
}
