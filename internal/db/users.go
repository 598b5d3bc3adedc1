package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrUsernameTaken is returned by Register when the username already exists.
var ErrUsernameTaken = errors.New("username already exists")

// Options tunes the user store's contention handling. Concurrent writers
// (one per match worker plus the supervisor) retry on a locked database
// with exponential backoff.
type Options struct {
	BusyTimeoutMS int
	MaxRetries    int
	RetryDelay    time.Duration
}

// DefaultOptions mirrors the shipped configuration defaults.
func DefaultOptions() Options {
	return Options{
		BusyTimeoutMS: 5000,
		MaxRetries:    5,
		RetryDelay:    100 * time.Millisecond,
	}
}

// UserStore provides account verification and win/loss statistics.
type UserStore struct {
	db     *Database
	opts   Options
	logger zerolog.Logger
}

// OpenUserStore opens (or creates) the user database and migrates the schema.
func OpenUserStore(path string, opts Options) (*UserStore, error) {
	database, err := NewDatabase(path, opts.BusyTimeoutMS)
	if err != nil {
		return nil, err
	}

	store := &UserStore{
		db:     database,
		opts:   opts,
		logger: log.With().Str("component", "userstore").Logger(),
	}

	if err := store.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate user database: %w", err)
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *UserStore) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *UserStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			games INTEGER DEFAULT 0,
			wins INTEGER DEFAULT 0,
			losses INTEGER DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS match_history (
			id TEXT PRIMARY KEY,
			lobby_id INTEGER NOT NULL,
			player0 TEXT NOT NULL,
			player1 TEXT NOT NULL,
			winner TEXT NOT NULL,
			finished_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_match_history_winner ON match_history(winner);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	s.logger.Debug().Msg("user database schema migrated")
	return nil
}

// Verify checks a username/credential-hash pair. An unknown username is
// simply not verified; it is not an error.
func (s *UserStore) Verify(username, passwordHash string) (bool, error) {
	var stored string
	err := s.db.QueryRow(
		"SELECT password_hash FROM users WHERE username = ?", username,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up user %s: %w", username, err)
	}
	return stored == passwordHash, nil
}

// Register creates a new account. Returns ErrUsernameTaken if the username
// already exists.
func (s *UserStore) Register(username, passwordHash string) error {
	err := s.withRetry(func() error {
		_, err := s.db.Exec(
			"INSERT INTO users (username, password_hash) VALUES (?, ?)",
			username, passwordHash,
		)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUsernameTaken
		}
		return fmt.Errorf("failed to register user %s: %w", username, err)
	}

	s.logger.Info().Str("username", username).Msg("user registered")
	return nil
}

// RecordResult increments a player's game counter and the matching win or
// loss counter in one statement, so games == wins + losses always holds.
func (s *UserStore) RecordResult(username string, won bool) error {
	win, loss := 0, 1
	if won {
		win, loss = 1, 0
	}

	err := s.withRetry(func() error {
		_, err := s.db.Exec(
			"UPDATE users SET games = games + 1, wins = wins + ?, losses = losses + ? WHERE username = ?",
			win, loss, username,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record result for %s: %w", username, err)
	}
	return nil
}

// Stats returns (games, wins, losses) for a username; zeros when unknown.
func (s *UserStore) Stats(username string) (games, wins, losses int, err error) {
	err = s.db.QueryRow(
		"SELECT games, wins, losses FROM users WHERE username = ?", username,
	).Scan(&games, &wins, &losses)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read stats for %s: %w", username, err)
	}
	return games, wins, losses, nil
}

// RecordMatch appends a completed match to the history table.
func (s *UserStore) RecordMatch(lobbyID int64, player0, player1, winner string) error {
	matchID := uuid.NewString()
	err := s.withRetry(func() error {
		_, err := s.db.Exec(
			"INSERT INTO match_history (id, lobby_id, player0, player1, winner) VALUES (?, ?, ?, ?, ?)",
			matchID, lobbyID, player0, player1, winner,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record match %s: %w", matchID, err)
	}
	return nil
}

// Totals returns the number of accounts and the total games recorded.
func (s *UserStore) Totals() (users, games int, err error) {
	err = s.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(games), 0) FROM users").Scan(&users, &games)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read store totals: %w", err)
	}
	return users, games, nil
}

// withRetry runs a write, retrying with exponential backoff while the
// database reports lock contention from another connection.
func (s *UserStore) withRetry(fn func() error) error {
	delay := s.opts.RetryDelay
	var err error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		s.logger.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("database locked, retrying")
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// isBusy reports whether an error is SQLite lock contention.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
