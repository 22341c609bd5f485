package index

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailvault/internal/archive"
	"github.com/Martian-dev/mailvault/internal/ratelimit"
	"github.com/Martian-dev/mailvault/internal/storage"
)

// Archive is what a rebuild reads artifacts from
type Archive interface {
	List(ctx context.Context, prefix string, fn func(storage.ObjectInfo) error) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// RebuildReport summarises a rebuild
type RebuildReport struct {
	Listed  int `json:"listed"`
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
}

// Rebuild recreates the index from every artifact in the archive. Records are
// written to a scratch table which replaces the live one in a single
// transaction, so searches keep working until the swap.
func (s *Store) Rebuild(ctx context.Context, src Archive, limiter *ratelimit.Controller) (RebuildReport, error) {
	var report RebuildReport

	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+rebuildTable); err != nil {
		return report, fmt.Errorf("failed to reset rebuild table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createTable(rebuildTable)); err != nil {
		return report, fmt.Errorf("failed to create rebuild table: %w", err)
	}

	prefix := ""
	if root := strings.Trim(s.root, "/"); root != "" {
		prefix = root + "/"
	}

	var keys []string
	err := call(ctx, limiter, ratelimit.ClassList, func(ctx context.Context) error {
		keys = keys[:0]
		return src.List(ctx, prefix, func(obj storage.ObjectInfo) error {
			if strings.HasSuffix(obj.Key, archive.Extension) {
				keys = append(keys, obj.Key)
			}
			return nil
		})
	})
	if err != nil {
		return report, fmt.Errorf("failed to list archive: %w", err)
	}
	report.Listed = len(keys)
	log.Infof("rebuilding index from %d artifacts", len(keys))

	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var data []byte
		err := call(ctx, limiter, ratelimit.ClassGet, func(ctx context.Context) error {
			var err error
			data, err = src.Get(ctx, key)
			return err
		})
		if err != nil {
			report.Failed++
			log.WithField("path", key).Warnf("rebuild: download failed: %v", err)
			continue
		}

		rec, err := RecordFromArtifact(s.root, key, data)
		if err != nil {
			report.Failed++
			log.WithField("path", key).Warnf("rebuild: %v", err)
			continue
		}
		if err := upsert(ctx, s.db, rebuildTable, rec); err != nil {
			return report, err
		}
		report.Indexed++

		if (i+1)%1000 == 0 {
			log.Infof("rebuild progress: %d/%d", i+1, len(keys))
		}
	}

	if err := s.swap(ctx); err != nil {
		return report, err
	}
	log.Infof("index rebuilt: %d records, %d failures", report.Indexed, report.Failed)
	return report, nil
}

func (s *Store) swap(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin swap: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DROP TABLE IF EXISTS ` + tableName,
		`ALTER TABLE ` + rebuildTable + ` RENAME TO ` + tableName,
		createIndexes,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to swap index: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit swap: %w", err)
	}
	return nil
}

func call(ctx context.Context, limiter *ratelimit.Controller, class ratelimit.Class, fn func(context.Context) error) error {
	if limiter == nil {
		return fn(ctx)
	}
	return limiter.Do(ctx, class, fn)
}
