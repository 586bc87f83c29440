// Package api exposes the gateway over REST and WebSocket. Handlers
// validate input, delegate to the session registry and the chat/message
// services, and translate core errors into HTTP statuses.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/chats"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/config"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/messages"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/store"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/sync"
)

const maxBodyBytes = 1 << 20

// Server holds the handler dependencies.
type Server struct {
	registry    *session.Registry
	coordinator *chats.Coordinator
	fetcher     *messages.Fetcher
	db          *store.DB
	recon       *sync.Reconciler
	bus         *bus.Bus
	cfg         *config.Config
	logger      *zap.Logger
	startedAt   time.Time
}

// NewServer wires the REST surface to the gateway core.
func NewServer(r *session.Registry, c *chats.Coordinator, f *messages.Fetcher, db *store.DB, recon *sync.Reconciler, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		registry:    r,
		coordinator: c,
		fetcher:     f,
		db:          db,
		recon:       recon,
		bus:         b,
		cfg:         cfg,
		logger:      logger,
		startedAt:   time.Now(),
	}
}

// Router builds the gin engine with the full middleware chain and all
// routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(requestID())
	r.Use(requestLogger(s.logger))
	r.Use(recovery(s.logger))
	r.Use(bodyLimit(maxBodyBytes))
	r.Use(httpMetrics())
	if s.cfg.RateRPS > 0 {
		r.Use(newRateLimiter(s.cfg.RateRPS, s.cfg.RateBurst).handler())
	}
	r.Use(s.corsMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/qr", s.handleQR)
		api.GET("/status", s.handleStatus)
		api.GET("/sessions", s.handleSessions)
		api.GET("/chats", s.handleChats)
		api.GET("/messages", s.handleMessages)
		api.GET("/search", s.handleSearch)
		api.GET("/profile-picture", s.handleProfilePicture)
		api.GET("/debug-state", s.handleDebugState)
		api.POST("/send", s.handleSend)
		api.POST("/mark-read", s.handleMarkRead)
		api.POST("/refresh-cache", s.handleRefreshCache)
		api.POST("/disconnect", s.handleDisconnect)
		api.POST("/force-cleanup", s.handleForceCleanup)
		api.GET("/ws", s.handleWS)
	}

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "route not found", "")
	})
	return r
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	if len(s.cfg.CORSOrigins) == 0 {
		return cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept", requestIDHeader},
			ExposeHeaders:   []string{requestIDHeader},
			MaxAge:          12 * time.Hour,
		})
	}
	return cors.New(cors.Config{
		AllowOrigins:  s.cfg.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}
