package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/botline/botline/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversation_state (
			user_id TEXT PRIMARY KEY,
			state_tag TEXT NOT NULL,
			context TEXT,
			version INTEGER NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_events_user ON processed_events(user_id, processed_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadState retrieves the conversation state for a user, defaulting to a
// fresh idle state when no row exists.
func (s *SQLiteStore) LoadState(ctx context.Context, userID string) (*domain.ConversationState, error) {
	var st domain.ConversationState
	var contextJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, state_tag, context, version, updated_at FROM conversation_state WHERE user_id = ?`,
		userID).Scan(&st.UserID, &st.Tag, &contextJSON, &st.Version, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.NewIdleState(userID), nil
	}
	if err != nil {
		return nil, err
	}
	st.Context = map[string]string{}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &st.Context); err != nil {
			return nil, fmt.Errorf("corrupt context for user %s: %w", userID, err)
		}
	}
	return &st, nil
}

// CommitTransition writes the ledger row and the new state in one
// transaction. The dedup insert and the optimistic version check are a
// single atomic unit; either both land or neither does.
func (s *SQLiteStore) CommitTransition(ctx context.Context, expectedVersion int64, next *domain.ConversationState, rec *domain.ProcessedEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	if err := insertProcessed(ctx, tx, rec); err != nil {
		return err
	}

	contextJSON, err := json.Marshal(next.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	now := time.Now().UTC()

	if expectedVersion == 0 {
		// First transition for this user: the row must not exist yet.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_state (user_id, state_tag, context, version, updated_at) VALUES (?, ?, ?, ?, ?)`,
			next.UserID, next.Tag, string(contextJSON), next.Version, now)
		if isUniqueViolation(err, "conversation_state.user_id") {
			return domain.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("insert state: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE conversation_state SET state_tag = ?, context = ?, version = ?, updated_at = ? WHERE user_id = ? AND version = ?`,
			next.Tag, string(contextJSON), next.Version, now, next.UserID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update state: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update state: %w", err)
		}
		if n == 0 {
			return domain.ErrVersionConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	next.UpdatedAt = now
	return nil
}

// RecordProcessed writes only the dedup ledger row.
func (s *SQLiteStore) RecordProcessed(ctx context.Context, rec *domain.ProcessedEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record: %w", err)
	}
	defer tx.Rollback()

	if err := insertProcessed(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// GetProcessedEvent retrieves a ledger row, or nil when absent.
func (s *SQLiteStore) GetProcessedEvent(ctx context.Context, eventID string) (*domain.ProcessedEvent, error) {
	var rec domain.ProcessedEvent
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, user_id, outcome, processed_at FROM processed_events WHERE event_id = ?`,
		eventID).Scan(&rec.EventID, &rec.UserID, &rec.Outcome, &rec.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func insertProcessed(ctx context.Context, tx *sql.Tx, rec *domain.ProcessedEvent) error {
	processedAt := rec.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, user_id, outcome, processed_at) VALUES (?, ?, ?, ?)`,
		rec.EventID, rec.UserID, rec.Outcome, processedAt)
	if isUniqueViolation(err, "processed_events.event_id") {
		return domain.ErrAlreadyProcessed
	}
	if err != nil {
		return fmt.Errorf("insert ledger row: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}
