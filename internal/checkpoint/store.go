// Package checkpoint persists per-account sync progress in a local SQLite database.
package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailvault/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Status is the coarse state of an account's last run
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusDone        Status = "DONE"
	StatusFailed      Status = "FAILED"
	StatusInterrupted Status = "INTERRUPTED"
)

// Counts are diagnostic tallies; the processed set is authoritative
type Counts struct {
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

// Checkpoint is the resumable progress record of one account
type Checkpoint struct {
	Account string      `json:"account"`
	Mode    config.Mode `json:"mode"`

	// Watermark is the start instant of the last run whose listing completed
	Watermark time.Time `json:"watermark,omitzero"`
	// Boundary and PendingWatermark pin the window the saved Cursor belongs to
	Boundary         time.Time `json:"boundary,omitzero"`
	PendingWatermark time.Time `json:"pending_watermark,omitzero"`
	Cursor           string    `json:"cursor,omitempty"`
	InProgress       bool      `json:"in_progress"`

	Counts    Counts    `json:"counts"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Failure is a failure-log entry for one message unit
type Failure struct {
	Account   string    `json:"account"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	LastSeen  time.Time `json:"last_seen"`
}

// OutboxEvent is appended atomically with a processed id
type OutboxEvent struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Store is the checkpoint database
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Open opens or creates the checkpoint database
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY between concurrent account workers
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// Load returns the account's checkpoint, or a fresh default when none exists
func (s *Store) Load(ctx context.Context, account string) (*Checkpoint, error) {
	cp := &Checkpoint{Account: account}
	var (
		watermark, boundary, pending sql.NullInt64
		inProgress                   int
		lastError                    sql.NullString
		updatedAt                    int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT mode, watermark, boundary, pending_watermark, cursor, in_progress,
		       processed_count, skipped_count, failed_count, status, last_error, updated_at
		FROM checkpoints WHERE account = ?
	`, account).Scan(&cp.Mode, &watermark, &boundary, &pending, &cp.Cursor, &inProgress,
		&cp.Counts.Processed, &cp.Counts.Skipped, &cp.Counts.Failed, &cp.Status, &lastError, &updatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &Checkpoint{Account: account, Mode: config.ModeFull, Status: StatusPending}, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp.Watermark = fromMillis(watermark)
	cp.Boundary = fromMillis(boundary)
	cp.PendingWatermark = fromMillis(pending)
	cp.InProgress = inProgress != 0
	cp.LastError = lastError.String
	cp.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return cp, nil
}

// Commit durably replaces the account's checkpoint. The write is atomic:
// a crash leaves either the previous or the new record.
func (s *Store) Commit(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = s.now().UTC()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (account, mode, watermark, boundary, pending_watermark, cursor, in_progress,
		                         processed_count, skipped_count, failed_count, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			mode = excluded.mode,
			watermark = excluded.watermark,
			boundary = excluded.boundary,
			pending_watermark = excluded.pending_watermark,
			cursor = excluded.cursor,
			in_progress = excluded.in_progress,
			processed_count = MAX(checkpoints.processed_count, excluded.processed_count),
			skipped_count = excluded.skipped_count,
			failed_count = excluded.failed_count,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, cp.Account, string(cp.Mode), toMillis(cp.Watermark), toMillis(cp.Boundary), toMillis(cp.PendingWatermark),
		cp.Cursor, boolInt(cp.InProgress), cp.Counts.Processed, cp.Counts.Skipped, cp.Counts.Failed,
		string(cp.Status), nullString(cp.LastError), cp.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// MarkProcessed records that messageID has an artifact at path. The processed
// counter only moves on first insertion. Any failure-log entry for the id is
// cleared and the optional event is queued in the same transaction.
func (s *Store) MarkProcessed(ctx context.Context, account, messageID, path string, event *OutboxEvent) (bool, error) {
	now := s.now()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages (account, message_id, path, processed_at)
		VALUES (?, ?, ?, ?)
	`, account, messageID, path, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert processed id: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if inserted > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (account, mode, processed_count, status, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(account) DO UPDATE SET
				processed_count = checkpoints.processed_count + 1,
				updated_at = excluded.updated_at
		`, account, string(config.ModeFull), string(StatusRunning), now.UnixMilli())
		if err != nil {
			return false, fmt.Errorf("failed to bump processed count: %w", err)
		}

		if event != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, now.Unix(), event.Subject, event.EventType, event.Payload, event.MsgID, now.Unix())
			if err != nil {
				return false, fmt.Errorf("failed to insert outbox entry: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM failed_messages WHERE account = ? AND message_id = ?
	`, account, messageID); err != nil {
		return false, fmt.Errorf("failed to clear failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit processed id: %w", err)
	}
	return inserted > 0, nil
}

// Processed returns the subset of ids already in the account's processed set
func (s *Store) Processed(ctx context.Context, account string, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	const chunk = 500

	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]

		args := make([]any, 0, len(part)+1)
		args = append(args, account)
		for _, id := range part {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")

		rows, err := s.DB.QueryContext(ctx, `
			SELECT message_id FROM processed_messages
			WHERE account = ? AND message_id IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query processed ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan processed id: %w", err)
			}
			found[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read processed ids: %w", err)
		}
	}
	return found, nil
}

// HasProcessed reports whether the account has any processed id at all
func (s *Store) HasProcessed(ctx context.Context, account string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM processed_messages WHERE account = ? LIMIT 1
	`, account).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query processed ids: %w", err)
	}
	return true, nil
}

// ProcessedPath returns the artifact path recorded for a processed id
func (s *Store) ProcessedPath(ctx context.Context, account, messageID string) (string, bool, error) {
	var path string
	err := s.DB.QueryRowContext(ctx, `
		SELECT path FROM processed_messages WHERE account = ? AND message_id = ?
	`, account, messageID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query processed path: %w", err)
	}
	return path, true, nil
}

// List returns every stored checkpoint ordered by account
func (s *Store) List(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT account FROM checkpoints ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var accounts []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		accounts = append(accounts, a)
	}
	rows.Close()

	out := make([]*Checkpoint, 0, len(accounts))
	for _, a := range accounts {
		cp, err := s.Load(ctx, a)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
