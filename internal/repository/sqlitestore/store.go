// Package sqlitestore is a local, single-file conversation store for
// development and the operator CLI. It has the same conditional-write
// semantics as the DynamoDB client.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"conversation-service/internal/domain"
	"conversation-service/internal/repository"
)

// Store implements repository.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (or creates) the database at path and runs migrations.
// Use ":memory:" for an in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlitestore: path must not be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("sqlitestore: creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: setting WAL mode: %w", err)
		}
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: running migrations: %w", err)
	}
	slog.Debug("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		slog.Debug("applying migration", "version", m.Version, "name", m.Name)
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *Store) GetSummary(ctx context.Context, sessionID string) (*domain.Summary, error) {
	var (
		sum       domain.Summary
		facts     string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, tenant_id, turn, summary, facts_ledger, pending_action, updated_at, expires_at
		FROM summaries WHERE session_id = ?`, sessionID,
	).Scan(&sum.SessionID, &sum.TenantID, &sum.Turn, &sum.Summary, &facts, &sum.PendingAction, &updatedAt, &sum.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: GetSummary: %w", err)
	}
	if sum.ExpiresAt > 0 && sum.ExpiresAt <= s.now().Unix() {
		return nil, nil
	}

	sum.FactsLedger = map[string]any{}
	if err := json.Unmarshal([]byte(facts), &sum.FactsLedger); err != nil {
		return nil, fmt.Errorf("sqlitestore: GetSummary decode facts: %w", err)
	}
	sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sum, nil
}

func (s *Store) GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, ts, message_id, role, content, expires_at FROM (
			SELECT * FROM messages
			WHERE session_id = ? AND (expires_at = 0 OR expires_at > ?)
			ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC`, sessionID, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: GetMessages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.SessionID, &m.Timestamp, &m.MessageID, &m.Role, &m.Content, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: GetMessages scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: GetMessages: %w", err)
	}
	return msgs, nil
}

// PutSummaryIfTurnMatches writes the summary only if the stored turn equals
// expectedTurn, or no live row exists and expectedTurn is 0. A row past
// expires_at that Sweep has not removed counts as absent, as in GetSummary.
func (s *Store) PutSummaryIfTurnMatches(ctx context.Context, summary domain.Summary, expectedTurn int) error {
	if strings.TrimSpace(summary.SessionID) == "" {
		return fmt.Errorf("%w: PutSummaryIfTurnMatches: session id is required", repository.ErrInvalidInput)
	}
	if expectedTurn < 0 {
		return fmt.Errorf("%w: PutSummaryIfTurnMatches: negative expected turn", repository.ErrInvalidInput)
	}

	facts := summary.FactsLedger
	if facts == nil {
		facts = map[string]any{}
	}
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("sqlitestore: PutSummaryIfTurnMatches encode facts: %w", err)
	}
	args := []any{
		summary.SessionID, summary.TenantID, summary.Turn, summary.Summary, string(factsJSON),
		summary.PendingAction, summary.UpdatedAt.UTC().Format(time.RFC3339Nano), summary.ExpiresAt,
	}
	now := s.now().Unix()

	var res sql.Result
	if expectedTurn == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO summaries (session_id, tenant_id, turn, summary, facts_ledger, pending_action, updated_at, expires_at)
			VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)
			ON CONFLICT(session_id) DO UPDATE SET
				tenant_id = excluded.tenant_id,
				turn = excluded.turn,
				summary = excluded.summary,
				facts_ledger = excluded.facts_ledger,
				pending_action = excluded.pending_action,
				updated_at = excluded.updated_at,
				expires_at = excluded.expires_at
			WHERE summaries.turn = 0
				OR (summaries.expires_at > 0 AND summaries.expires_at <= ?9)`, append(args, now)...)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE summaries SET
				tenant_id = ?2, turn = ?3, summary = ?4, facts_ledger = ?5,
				pending_action = ?6, updated_at = ?7, expires_at = ?8
			WHERE session_id = ?1 AND turn = ?9
				AND (expires_at = 0 OR expires_at > ?10)`, append(args, expectedTurn, now)...)
	}
	if err != nil {
		return fmt.Errorf("sqlitestore: PutSummaryIfTurnMatches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: PutSummaryIfTurnMatches rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s expected turn %d", repository.ErrVersionConflict, summary.SessionID, expectedTurn)
	}
	return nil
}

func (s *Store) AppendMessages(ctx context.Context, sessionID string, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for i, m := range msgs {
		if m.SessionID != sessionID {
			return fmt.Errorf("%w: AppendMessages: message %d belongs to another session", repository.ErrInvalidInput, i)
		}
		if m.MessageID == "" || m.Timestamp <= 0 {
			return fmt.Errorf("%w: AppendMessages: message %d needs id and timestamp", repository.ErrInvalidInput, i)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: AppendMessages begin: %w", err)
	}
	defer tx.Rollback()
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, ts, message_id, role, content, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.SessionID, m.Timestamp, m.MessageID, m.Role, m.Content, m.ExpiresAt,
		); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: session %s timestamp %d", repository.ErrMessageExists, m.SessionID, m.Timestamp)
			}
			return fmt.Errorf("sqlitestore: AppendMessages insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: AppendMessages commit: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, sessionID string) (domain.DeleteReport, error) {
	var report domain.DeleteReport
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("sqlitestore: DeleteAll begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID)
	if err != nil {
		return report, fmt.Errorf("sqlitestore: DeleteAll messages: %w", err)
	}
	n, _ := res.RowsAffected()
	report.MessagesDeleted = int(n)

	res, err = tx.ExecContext(ctx, "DELETE FROM summaries WHERE session_id = ?", sessionID)
	if err != nil {
		return report, fmt.Errorf("sqlitestore: DeleteAll summary: %w", err)
	}
	n, _ = res.RowsAffected()
	report.SummariesDeleted = int(n)

	if err := tx.Commit(); err != nil {
		return domain.DeleteReport{}, fmt.Errorf("sqlitestore: DeleteAll commit: %w", err)
	}
	return report, nil
}

func (s *Store) VerifyDeleted(ctx context.Context, sessionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM summaries WHERE session_id = ?1)
		     + (SELECT COUNT(*) FROM messages WHERE session_id = ?1)`, sessionID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: VerifyDeleted: %w", err)
	}
	return count == 0, nil
}

// Sweep removes rows whose expiry has passed, standing in for DynamoDB TTL.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.now().Unix()
	var total int64
	for _, table := range []string{"messages", "summaries"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE expires_at > 0 AND expires_at <= ?", now)
		if err != nil {
			return int(total), fmt.Errorf("sqlitestore: Sweep %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return int(total), nil
}
