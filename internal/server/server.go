package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-chat/config"
	"relay-chat/internal/cache"
	"relay-chat/internal/handler"
	"relay-chat/internal/metrics"
	"relay-chat/internal/middleware"
	"relay-chat/internal/redis"
	"relay-chat/internal/transport/httpdto"
	"relay-chat/internal/websocket"
	"relay-chat/pkg/logger"

	"github.com/gin-gonic/gin"
)

const heartbeatPath = "/api/v1/presence/heartbeat"

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Chat      *handler.ChatHandler
	Presence  *handler.PresenceHandler
	WebSocket *websocket.Handler
}

// Dependencies are the shared components the routes are guarded by.
type Dependencies struct {
	Tokens      middleware.TokenParser
	Limiter     middleware.Limiter
	RateLimits  redis.RateLimitConfig
	Presence    middleware.PresenceBeater
	Throttle    cache.Store
	Metrics     *metrics.Metrics
	HealthCheck func(ctx context.Context) error
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: logger.OrNop(l),
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) SetupRoutes(handlers *Handlers, deps Dependencies) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), httpdto.CodeUnhealthy))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	if s.config.MetricsEnabled && deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	if handlers.WebSocket != nil {
		s.engine.GET("/ws", handlers.WebSocket.Connect)
	}

	limit := func(policy redis.Policy) gin.HandlerFunc {
		return middleware.RateLimit(deps.Limiter, policy, deps.Metrics, s.logger)
	}

	api := s.engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(deps.Tokens))
	api.Use(middleware.TrackPresence(deps.Presence, deps.Throttle, s.config.PresenceTrackThrottle, s.logger, heartbeatPath))

	presence := api.Group("/presence")
	{
		presence.POST("/heartbeat", limit(deps.RateLimits.PresenceHeartbeat), handlers.Presence.Heartbeat)
		presence.POST("/offline", limit(deps.RateLimits.PresenceOffline), handlers.Presence.Offline)
		presence.PUT("/status", limit(deps.RateLimits.PresenceStatus), handlers.Presence.UpdateStatus)
		presence.GET("/me", handlers.Presence.Me)
		presence.GET("/users", handlers.Presence.Users)
	}

	chats := api.Group("/chats")
	{
		chats.GET("", handlers.Chat.List)
		chats.GET("/unread", handlers.Chat.Unread)
		chats.GET("/:id", handlers.Chat.Show)
		chats.GET("/:id/unread", handlers.Chat.ChatUnread)
		chats.GET("/:id/messages", handlers.Chat.Messages)
		chats.POST("/:id/messages", limit(deps.RateLimits.Send), handlers.Chat.Send)
		chats.GET("/:id/messages/:messageId/around", handlers.Chat.Around)
		chats.POST("/:id/typing", limit(deps.RateLimits.Typing), handlers.Chat.Typing)
		chats.POST("/:id/read", handlers.Chat.MarkRead)
		chats.POST("/:id/heartbeat", handlers.Chat.Heartbeat)
		chats.POST("/:id/connect", handlers.Chat.Connect)
		chats.POST("/:id/disconnect", handlers.Chat.Disconnect)
		chats.GET("/:id/missed", handlers.Chat.Missed)
		chats.POST("/:id/delivered", handlers.Chat.Delivered)
		chats.GET("/:id/storage", handlers.Chat.StorageStats)
		chats.GET("/:id/media", handlers.Chat.ListMedia)
		chats.DELETE("/:id/media/:mediaId", handlers.Chat.DeleteMedia)
	}

	api.GET("/media/:mediaId", handlers.Chat.Media)
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	go func() {
		s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Error in starting the server: %s", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	s.logger.Infof("Server is running on :%s", s.config.AppPort)

	<-quit

	s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		return err
	}

	s.logger.Infof("Server stopped gracefully")
	return nil
}
