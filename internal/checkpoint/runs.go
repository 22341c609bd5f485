package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailvault/internal/config"
)

// Run summarises one finished sync run
type Run struct {
	RunID          string      `json:"run_id"`
	Started        time.Time   `json:"started"`
	Finished       time.Time   `json:"finished"`
	Mode           config.Mode `json:"mode"`
	DryRun         bool        `json:"dry_run"`
	Accounts       int         `json:"accounts"`
	FailedAccounts int         `json:"failed_accounts"`
	Archived       int         `json:"archived"`
	FailedMessages int         `json:"failed_messages"`
	// Outcome is "completed", "interrupted" or "aborted"
	Outcome string `json:"outcome"`
}

// RecordRun appends a run to the history
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, started_at, finished_at, mode, dry_run, accounts,
		                             failed_accounts, archived, failed_messages, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.Started.UnixMilli(), r.Finished.UnixMilli(), string(r.Mode), boolInt(r.DryRun),
		r.Accounts, r.FailedAccounts, r.Archived, r.FailedMessages, r.Outcome)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, mode, dry_run, accounts,
		       failed_accounts, archived, failed_messages, outcome
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished int64
			dryRun            int
		)
		if err := rows.Scan(&r.RunID, &started, &finished, &r.Mode, &dryRun, &r.Accounts,
			&r.FailedAccounts, &r.Archived, &r.FailedMessages, &r.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Started = time.UnixMilli(started).UTC()
		r.Finished = time.UnixMilli(finished).UTC()
		r.DryRun = dryRun != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
