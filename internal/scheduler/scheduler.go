// Package scheduler implements background housekeeping: daily store
// statistics and stale log file cleanup.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tullebulle/pingpong/internal/config"
)

// StatsReader reads aggregate statistics from the user store.
type StatsReader interface {
	Totals() (users, games int, err error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg   *config.Config
	stats StatsReader
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, stats StatsReader) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		stats: stats,
	}
}

// Start begins running all scheduled tasks and blocks until the context is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	go s.runStatsCollectionLoop(ctx)
	go s.runLogCleanupLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runStatsCollectionLoop logs store totals once per day.
func (s *Scheduler) runStatsCollectionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats()
		}
	}
}

// collectStats gathers and logs daily statistics.
func (s *Scheduler) collectStats() {
	users, games, err := s.stats.Totals()
	if err != nil {
		log.Warn().Err(err).Msg("daily stats collection failed")
		return
	}

	log.Info().
		Int("users", users).
		Int("games", games).
		Msg("daily stats collected")
}

// runLogCleanupLoop removes log files past the retention limit once per day.
func (s *Scheduler) runLogCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanLogs()
		}
	}
}

// cleanLogs deletes the oldest log files beyond the configured backup count.
func (s *Scheduler) cleanLogs() {
	dir := s.cfg.Logging.Directory
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var logFiles []os.DirEntry
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".log") {
			logFiles = append(logFiles, entry)
		}
	}

	if len(logFiles) <= s.cfg.Logging.MaxBackups {
		return
	}

	deleted := 0
	for i := 0; i < len(logFiles)-s.cfg.Logging.MaxBackups; i++ {
		path := filepath.Join(dir, logFiles[i].Name())
		if err := os.Remove(path); err == nil {
			deleted++
		}
	}

	log.Info().Int("deleted_files", deleted).Msg("log cleanup completed")
}
