package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/shared"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes agent session writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository and applies pending
// migrations.
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; busy_timeout so writers queue instead of failing.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		slog.Info("Applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadProfile retrieves a profile by user ID.
func (s *SQLiteStore) LoadProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	query := `
		SELECT user_id, nationality, current_location, destination_country, visa_intent,
		       structured_json, free_text_context, flagged_json, missing_json,
		       context_sufficient, created_at, updated_at
		FROM profiles WHERE user_id = ?`

	var (
		p                            domain.Profile
		structured, flagged, missing string
		sufficient                   int
		createdAt, updatedAt         int64
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.Nationality, &p.CurrentLocation, &p.DestinationCountry, &p.VisaIntent,
		&structured, &p.FreeTextContext, &flagged, &missing,
		&sufficient, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}

	if err := json.Unmarshal([]byte(structured), &p.StructuredData); err != nil {
		return nil, fmt.Errorf("decode structured data: %w", err)
	}
	if err := json.Unmarshal([]byte(flagged), &p.FlaggedContext); err != nil {
		return nil, fmt.Errorf("decode flagged context: %w", err)
	}
	if err := json.Unmarshal([]byte(missing), &p.MissingContext); err != nil {
		return nil, fmt.Errorf("decode missing context: %w", err)
	}
	if p.StructuredData == nil {
		p.StructuredData = map[string]string{}
	}
	if p.MissingContext == nil {
		p.MissingContext = []string{}
	}
	p.ContextSufficient = sufficient != 0
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return &p, nil
}

// SaveProfile creates or replaces a profile.
func (s *SQLiteStore) SaveProfile(ctx context.Context, p *domain.Profile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("save profile: missing user id")
	}
	structured, err := json.Marshal(nonNilMap(p.StructuredData))
	if err != nil {
		return fmt.Errorf("encode structured data: %w", err)
	}
	flagged, err := json.Marshal(nonNilSlice(p.FlaggedContext))
	if err != nil {
		return fmt.Errorf("encode flagged context: %w", err)
	}
	missing, err := json.Marshal(nonNilSlice(p.MissingContext))
	if err != nil {
		return fmt.Errorf("encode missing context: %w", err)
	}

	query := `
	INSERT INTO profiles (user_id, nationality, current_location, destination_country, visa_intent,
		structured_json, free_text_context, flagged_json, missing_json, context_sufficient,
		created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		nationality = excluded.nationality,
		current_location = excluded.current_location,
		destination_country = excluded.destination_country,
		visa_intent = excluded.visa_intent,
		structured_json = excluded.structured_json,
		free_text_context = excluded.free_text_context,
		flagged_json = excluded.flagged_json,
		missing_json = excluded.missing_json,
		context_sufficient = excluded.context_sufficient,
		updated_at = excluded.updated_at`

	sufficient := 0
	if p.ContextSufficient {
		sufficient = 1
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	return shared.RetryOnConflict(ctx, "save profile", func() error {
		_, err := s.db.ExecContext(ctx, query,
			p.UserID, p.Nationality, p.CurrentLocation, p.DestinationCountry, p.VisaIntent,
			string(structured), p.FreeTextContext, string(flagged), string(missing), sufficient,
			createdAt.UnixMilli(), updatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert profile: %w", err)
		}
		return nil
	})
}

// ClearProfile deletes a profile.
func (s *SQLiteStore) ClearProfile(ctx context.Context, userID string) error {
	return shared.RetryOnConflict(ctx, "clear profile", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete profile: %w", err)
		}
		return nil
	})
}

// GetAgentSession retrieves the stored state of one conversation.
func (s *SQLiteStore) GetAgentSession(ctx context.Context, userID, sessionID string) (*domain.AgentSession, error) {
	query := `
		SELECT user_id, session_id, state_id, turn, state_json, created_at, updated_at
		FROM agent_sessions WHERE user_id = ? AND session_id = ?`

	var (
		a                    domain.AgentSession
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, userID, sessionID).Scan(
		&a.UserID, &a.SessionID, &a.StateID, &a.Turn, &a.StateJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &a, nil
}

// SaveAgentSession stores session state unless a newer turn of the same
// conversation is already stored.
func (s *SQLiteStore) SaveAgentSession(ctx context.Context, a *domain.AgentSession) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `
	INSERT INTO agent_sessions (user_id, session_id, state_id, turn, state_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		state_id = excluded.state_id,
		turn = excluded.turn,
		state_json = excluded.state_json,
		updated_at = excluded.updated_at
	WHERE agent_sessions.state_id <> excluded.state_id OR excluded.turn > agent_sessions.turn`

	var affected int64
	err := shared.RetryOnConflict(ctx, "save agent session", func() error {
		res, err := s.db.ExecContext(ctx, query,
			a.UserID, a.SessionID, a.StateID, a.Turn, a.StateJSON,
			a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert agent session: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStaleSession
	}
	return nil
}

// DeleteAgentSession removes one conversation.
func (s *SQLiteStore) DeleteAgentSession(ctx context.Context, userID, sessionID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	return shared.RetryOnConflict(ctx, "delete agent session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
		if err != nil {
			return fmt.Errorf("delete agent session: %w", err)
		}
		return nil
	})
}

// DeleteUserSessions removes every conversation of a user.
func (s *SQLiteStore) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	var n int64
	err := shared.RetryOnConflict(ctx, "delete user sessions", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("delete user sessions: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CleanupExpiredSessions removes sessions not updated within ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	cutoff := time.Now().Add(-ttl).UnixMilli()
	var n int64
	err := shared.RetryOnConflict(ctx, "cleanup sessions", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup expired sessions: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
