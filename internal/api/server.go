// Package api implements the read-only admin REST API: lobby and queue
// inspection, player statistics, host info, and a websocket event feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tullebulle/pingpong/internal/config"
	"github.com/tullebulle/pingpong/internal/events"
	"github.com/tullebulle/pingpong/internal/lobby"
	intnet "github.com/tullebulle/pingpong/internal/network"
	"github.com/tullebulle/pingpong/internal/util"
)

// SnapshotProvider yields a point-in-time view of supervisor state.
type SnapshotProvider interface {
	Snapshot() lobby.Snapshot
}

// StatsReader reads player statistics from the user store.
type StatsReader interface {
	Stats(username string) (games, wins, losses int, err error)
	Totals() (users, games int, err error)
}

// Server is the admin REST API server.
type Server struct {
	cfg        *config.Config
	eventBus   *events.EventBus
	supervisor SnapshotProvider
	stats      StatsReader

	httpServer *http.Server
	router     *gin.Engine
	startedAt  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, supervisor SnapshotProvider, stats StatsReader) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:        cfg,
		eventBus:   eventBus,
		supervisor: supervisor,
		stats:      stats,
	}
}

// Start initializes and starts the API server, blocking until the context
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", s.cfg.API.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR so a restarted process can rebind immediately.
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/ping", s.handlePing)
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/lobbies", s.handleLobbies)
		apiGroup.GET("/queue", s.handleQueue)
		apiGroup.GET("/stats/:username", s.handlePlayerStats)
		apiGroup.GET("/live", s.handleLive)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus reports host info, store totals, and lobby counts.
func (s *Server) handleStatus(c *gin.Context) {
	snap := s.supervisor.Snapshot()

	users, games, err := s.stats.Totals()
	if err != nil {
		log.Error().Err(err).Msg("failed to read store totals")
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"system":         util.GetSystemInfo(),
		"lobbies":        len(snap.Lobbies),
		"queue_length":   len(snap.Queue),
		"sessions":       snap.Sessions,
		"total_users":    users,
		"total_games":    games,
	})
}

func (s *Server) handleLobbies(c *gin.Context) {
	snap := s.supervisor.Snapshot()
	c.JSON(http.StatusOK, gin.H{"lobbies": snap.Lobbies})
}

func (s *Server) handleQueue(c *gin.Context) {
	snap := s.supervisor.Snapshot()
	c.JSON(http.StatusOK, gin.H{"queue": snap.Queue})
}

func (s *Server) handlePlayerStats(c *gin.Context) {
	username := c.Param("username")
	games, wins, losses, err := s.stats.Stats(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"username": username,
		"games":    games,
		"wins":     wins,
		"losses":   losses,
	})
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
