package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordFailure adds or refreshes a failure-log entry for one message unit
func (s *Store) RecordFailure(ctx context.Context, account, messageID string, ts time.Time, cause error) error {
	now := s.now().UnixMilli()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO failed_messages (account, message_id, internal_ts, error, attempts, first_seen, last_seen)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(account, message_id) DO UPDATE SET
			error = excluded.error,
			internal_ts = COALESCE(excluded.internal_ts, failed_messages.internal_ts),
			attempts = failed_messages.attempts + 1,
			last_seen = excluded.last_seen
	`, account, messageID, toMillis(ts), msg, now, now)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// Failures lists the account's failure log, oldest first. A non-positive limit means no limit.
func (s *Store) Failures(ctx context.Context, account string, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT account, message_id, internal_ts, error, attempts, last_seen
		FROM failed_messages
		WHERE account = ?
		ORDER BY first_seen, message_id
		LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f        Failure
			ts       sql.NullInt64
			lastSeen int64
		)
		if err := rows.Scan(&f.Account, &f.MessageID, &ts, &f.Error, &f.Attempts, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.Timestamp = fromMillis(ts)
		f.LastSeen = time.UnixMilli(lastSeen).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClearFailure removes a failure-log entry
func (s *Store) ClearFailure(ctx context.Context, account, messageID string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM failed_messages WHERE account = ? AND message_id = ?
	`, account, messageID)
	if err != nil {
		return fmt.Errorf("failed to clear failure: %w", err)
	}
	return nil
}
