// Package index keeps a local searchable catalogue of archived messages.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	tableName    = "email_index"
	rebuildTable = "email_index_rebuild"
	defaultLimit = 100
)

const columns = `id, account, message_id, header_message_id, ts, sender, recipients, subject,
	snippet, path, size, has_attachments, attachment_names, labels`

func createTable(name string) string {
	return `CREATE TABLE IF NOT EXISTS ` + name + ` (
		id                TEXT PRIMARY KEY,
		account           TEXT NOT NULL,
		message_id        TEXT NOT NULL,
		header_message_id TEXT,
		ts                INTEGER NOT NULL,
		sender            TEXT,
		recipients        TEXT,
		subject           TEXT,
		snippet           TEXT,
		path              TEXT NOT NULL,
		size              INTEGER NOT NULL DEFAULT 0,
		has_attachments   INTEGER NOT NULL DEFAULT 0,
		attachment_names  TEXT,
		labels            TEXT
	)`
}

const createIndexes = `
	CREATE INDEX IF NOT EXISTS idx_email_ts ON email_index (ts DESC, message_id);
	CREATE INDEX IF NOT EXISTS idx_email_account ON email_index (account, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_email_sender ON email_index (sender);
`

// Store is the index database
type Store struct {
	db   *sql.DB
	root string
}

// Open opens or creates the index database. root is the archive key prefix
// used to interpret artifact paths.
func Open(dbPath, root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTable(tableName)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index table: %w", err)
	}
	if _, err := db.Exec(createIndexes); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &Store{db: db, root: root}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Index records the artifact stored at path. Re-indexing the same artifact
// replaces the row with identical content.
func (s *Store) Index(ctx context.Context, path string, content []byte) (*Record, error) {
	rec, err := RecordFromArtifact(s.root, path, content)
	if err != nil {
		return nil, err
	}
	if err := s.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Upsert writes one record keyed by (account, message id)
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	return upsert(ctx, s.db, tableName, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, table string, rec *Record) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO `+table+` (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Account, rec.MessageID, rec.HeaderMessageID, rec.Timestamp.UnixMilli(), rec.Sender,
		rec.Recipients, rec.Subject, rec.Snippet, rec.Path, rec.Size, rec.HasAttachments,
		strings.Join(rec.AttachmentNames, ", "), rec.Labels)
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", rec.ID, err)
	}
	return nil
}

// Query filters a search; zero fields are ignored
type Query struct {
	Text           string
	Account        string
	Sender         string
	Subject        string
	From           time.Time
	To             time.Time
	HasAttachments *bool
	Limit          int
	Offset         int
}

// Search returns matching records, newest first, ties broken by message id
func (s *Store) Search(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if q.Text != "" {
		like := "%" + q.Text + "%"
		where = append(where, `(subject LIKE ? OR sender LIKE ? OR recipients LIKE ? OR snippet LIKE ? OR attachment_names LIKE ?)`)
		args = append(args, like, like, like, like, like)
	}
	if q.Account != "" {
		where = append(where, `account = ?`)
		args = append(args, strings.ToLower(q.Account))
	}
	if q.Sender != "" {
		where = append(where, `sender LIKE ?`)
		args = append(args, "%"+q.Sender+"%")
	}
	if q.Subject != "" {
		where = append(where, `subject LIKE ?`)
		args = append(args, "%"+q.Subject+"%")
	}
	if !q.From.IsZero() {
		where = append(where, `ts >= ?`)
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		where = append(where, `ts < ?`)
		args = append(args, q.To.UnixMilli())
	}
	if q.HasAttachments != nil {
		where = append(where, `has_attachments = ?`)
		args = append(args, *q.HasAttachments)
	}

	query := `SELECT ` + columns + ` FROM ` + tableName
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	query += ` ORDER BY ts DESC, message_id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Get returns one record, or nil when it is not indexed
func (s *Store) Get(ctx context.Context, account, messageID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM `+tableName+` WHERE id = ?`, RecordID(account, messageID))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Stats summarises the index
type Stats struct {
	Records  int       `json:"records"`
	Accounts int       `json:"accounts"`
	Oldest   time.Time `json:"oldest,omitzero"`
	Newest   time.Time `json:"newest,omitzero"`
}

// Stats counts records and accounts
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st             Stats
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT account), MIN(ts), MAX(ts) FROM `+tableName,
	).Scan(&st.Records, &st.Accounts, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read index stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = time.UnixMilli(oldest.Int64).UTC()
	}
	if newest.Valid {
		st.Newest = time.UnixMilli(newest.Int64).UTC()
	}
	return st, nil
}

// Count returns the number of indexed records
func (s *Store) Count(ctx context.Context) (int, error) {
	st, err := s.Stats(ctx)
	return st.Records, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                                         Record
		headerID, sender, recipients, subject, snip sql.NullString
		attachments, labels                         sql.NullString
		ts                                          int64
	)
	err := row.Scan(&rec.ID, &rec.Account, &rec.MessageID, &headerID, &ts, &sender, &recipients, &subject,
		&snip, &rec.Path, &rec.Size, &rec.HasAttachments, &attachments, &labels)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.HeaderMessageID = headerID.String
	rec.Timestamp = time.UnixMilli(ts).UTC()
	rec.Sender = sender.String
	rec.Recipients = recipients.String
	rec.Subject = subject.String
	rec.Snippet = snip.String
	rec.Labels = labels.String
	if attachments.String != "" {
		rec.AttachmentNames = strings.Split(attachments.String, ", ")
	}
	return &rec, nil
}
