// Package api exposes the HTTP surface: prediction and payment endpoints,
// the bank webhook, balance queries, metrics and the event WebSocket.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"candle-signal-bot/config"
	"candle-signal-bot/internal/auth"
	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/events"
	"candle-signal-bot/internal/ledger"
	"candle-signal-bot/internal/logging"
	"candle-signal-bot/internal/metrics"
	"candle-signal-bot/internal/payment"
	"candle-signal-bot/internal/tracking"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	repo        *database.Repository
	eventBus    *events.EventBus
	tracking    *tracking.Service
	payments    *payment.Service
	ledger      *ledger.Service
	jwtManager  *auth.JWTManager
	authEnabled bool
	config      config.ServerConfig
	rateLimiter *RateLimiter
	log         *logging.Logger
	wsHub       *WSHub
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	repo *database.Repository,
	eventBus *events.EventBus,
	trackingService *tracking.Service,
	paymentService *payment.Service,
	ledgerService *ledger.Service,
	jwtManager *auth.JWTManager, // Can be nil if auth is disabled
	log *logging.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Webhook-Secret"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		repo:        repo,
		eventBus:    eventBus,
		tracking:    trackingService,
		payments:    paymentService,
		ledger:      ledgerService,
		jwtManager:  jwtManager,
		authEnabled: jwtManager != nil,
		config:      cfg,
		rateLimiter: NewRateLimiter(120, time.Minute),
		log:         log.WithComponent("api"),
	}

	server.wsHub = NewWSHub(server.log)
	go server.wsHub.Run()
	eventBus.SubscribeAll(func(event events.Event) {
		server.wsHub.BroadcastEvent(event)
	})

	server.setupRoutes()

	return server
}

// rateLimitMiddleware rate limits requests by endpoint path
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"path":  path,
			})
			return
		}
		c.Next()
	}
}

// webhookAuthMiddleware verifies the shared secret on the bank webhook.
// The bank gateway cannot carry a JWT, so it authenticates with a header.
func (s *Server) webhookAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader("X-Webhook-Secret")
		if s.config.WebhookSecret == "" ||
			subtle.ConstantTimeCompare([]byte(secret), []byte(s.config.WebhookSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid webhook secret",
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Bank gateway webhook: authenticated by shared secret, not JWT
	s.router.POST("/webhooks/bank", s.webhookAuthMiddleware(), s.handleBankWebhook)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())

	if s.authEnabled {
		api.Use(auth.Middleware(s.jwtManager))
	}

	{
		// Prediction endpoints
		api.POST("/predictions", s.handleStartPrediction)
		api.GET("/predictions/active", s.handleGetActivePrediction)
		api.DELETE("/predictions/active", s.handleCancelPrediction)
		api.GET("/predictions/history", s.handleGetPredictionHistory)
		api.GET("/predictions/:id", s.handleGetPrediction)

		// Instrument catalogue
		api.GET("/instruments", s.handleGetInstruments)

		// Payment endpoints
		api.GET("/packages", s.handleGetPackages)
		api.POST("/payments", s.handleCreatePayment)
		api.GET("/payments/pending", s.handleGetPendingPayment)
		api.DELETE("/payments/pending", s.handleCancelPayment)

		// Ledger endpoints
		api.GET("/balance", s.handleGetBalance)
		api.GET("/ledger", s.handleGetLedgerEntries)

		// Event stream
		api.GET("/ws", s.handleWebSocket)
	}

	// Manual ledger adjustments need a verified admin claim, so the group
	// only exists when JWT auth is on. Without auth the grant-credits CLI
	// is the only way in.
	if s.authEnabled {
		admin := api.Group("/admin")
		admin.Use(auth.RequireAdmin())
		admin.POST("/credits", s.handleGrantCredits)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
	}

	s.log.Info("HTTP server starting", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "healthy",
	})
}

// getUserID returns the user ID from the context. With auth disabled the
// caller supplies it via the X-User-ID header, matching the chat transport's
// trusted-proxy deployment.
func (s *Server) getUserID(c *gin.Context) string {
	if !s.authEnabled {
		return c.GetHeader("X-User-ID")
	}
	return auth.GetUserID(c)
}

// getUserIDRequired returns the user ID and sends an error when absent
func (s *Server) getUserIDRequired(c *gin.Context) (string, bool) {
	userID := s.getUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "authentication required",
		})
		return "", false
	}
	return userID, true
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
