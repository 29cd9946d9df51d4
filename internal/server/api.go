package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vesaa/ollamaguard/internal/config"
	"github.com/vesaa/ollamaguard/internal/models"
	"github.com/vesaa/ollamaguard/internal/service"
)

// StatusProvider produces a live status report. Satisfied by
// *service.Manager; stubbed in tests.
type StatusProvider interface {
	Status() *service.Report
}

// HistoryReader reads back persisted samples and warnings. May be nil
// when no database is configured; the history routes then answer 503.
type HistoryReader interface {
	RecentSamples(limit int) ([]models.SampleRecord, error)
	RecentWarnings(limit int) ([]models.WarningRecord, error)
}

// Server is the read-only HTTP face of the guard.
type Server struct {
	cfg     *config.Config
	auth    *auth
	status  StatusProvider
	history HistoryReader
}

// New builds a Server. history may be nil.
func New(cfg *config.Config, status StatusProvider, history HistoryReader) (*Server, error) {
	a, err := newAuth(cfg.JWTSecret, cfg.AdminUser, cfg.AdminPass)
	if err != nil {
		return nil, fmt.Errorf("preparing auth: %w", err)
	}
	return &Server{cfg: cfg, auth: a, status: status, history: history}, nil
}

// Engine wires the routes onto a fresh gin engine.
//
//	Public:           POST /api/login, GET /api/health
//	Protected (JWT):  GET /api/status, /api/history, /api/warnings
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.POST("/login", s.handleLogin)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	protected := api.Group("/", s.auth.middleware())
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/history", s.handleHistory)
		protected.GET("/warnings", s.handleWarnings)
	}
	return r
}

// Run serves the API until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.serve(ctx)
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for up to five seconds.
func (s *Server) serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Engine()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if !s.auth.verify(body.Username, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.auth.generateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": 86400, // seconds
		"type":       "Bearer",
	})
}

// handleStatus returns the live status report.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Status())
}

// handleHistory returns recent samples, newest first.
//
//	GET /api/history?limit=N   (default 60, max 1000)
func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}
	recs, err := s.history.RecentSamples(limitParam(c, 60))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": recs})
}

// handleWarnings returns recent warning events, newest first.
func (s *Server) handleWarnings(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}
	recs, err := s.history.RecentWarnings(limitParam(c, 60))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": recs})
}

// limitParam parses ?limit=N with a default and a hard cap.
func limitParam(c *gin.Context, def int) int {
	limit := def
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}
