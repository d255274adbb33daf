package cache

import (
	"context"
	"strings"

	"github.com/riadafridishibly/dusk/internal/metrics"
	"go.uber.org/zap"
)

const pruneChunk = 512

// FinishScan records the end of a completed or cancelled scan: it bumps the
// root's scan count and stamps last_scan_utc.
func (s *Store) FinishScan(ctx context.Context, rootID int64) (Root, error) {
	err := s.retry(ctx, "finish scan", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE roots SET scan_count = scan_count + 1, last_scan_utc = ? WHERE id = ?`,
			s.now().Unix(), rootID)
		return err
	})
	if err != nil {
		return Root{}, err
	}
	return s.RootByID(ctx, rootID)
}

// ShouldPrune reports whether maintenance is due for root: its scan count is
// a multiple of the prune cadence, or the prune interval has passed since the
// last run.
func (s *Store) ShouldPrune(root Root) bool {
	if root.ScanCount > 0 && root.ScanCount%s.pruneEvery == 0 {
		return true
	}
	return s.now().Sub(root.LastPruned) > s.pruneInterval
}

// PruneReport summarizes one maintenance run.
type PruneReport struct {
	Expired   int64
	Trimmed   int64
	UsedBytes int64
}

// PruneIfNeeded runs maintenance when ShouldPrune allows it and reports
// whether it ran.
func (s *Store) PruneIfNeeded(ctx context.Context, root Root) (bool, error) {
	if !s.ShouldPrune(root) {
		return false, nil
	}
	report, err := s.Prune(ctx)
	if err != nil {
		return false, err
	}
	err = s.retry(ctx, "stamp prune", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE roots SET last_pruned_utc = ? WHERE id = ?`, s.now().Unix(), root.ID)
		return err
	})
	if err != nil {
		return true, err
	}
	s.log.Info("cache maintenance",
		zap.String("root", root.Path),
		zap.Int64("scan_count", root.ScanCount),
		zap.Int64("expired", report.Expired),
		zap.Int64("trimmed", report.Trimmed),
		zap.Int64("used_bytes", report.UsedBytes))
	return true, nil
}

// Prune deletes entries unseen for longer than the max age, then trims the
// oldest entries until the store fits its size cap. Roots with a scan in
// flight are left alone. Every root that lost rows is marked dirty, since its
// remaining aggregates may now cover children that are gone.
func (s *Store) Prune(ctx context.Context) (PruneReport, error) {
	var report PruneReport
	exclude := s.activeRoots()
	touched := make(map[int64]struct{})

	cutoff := s.now().Add(-s.maxAge).UnixNano()
	notActive, notActiveArgs := notIn("root_id", exclude)

	err := s.retry(ctx, "prune expired entries", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		args := append([]any{cutoff}, notActiveArgs...)
		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT root_id FROM entries WHERE last_seen < ?`+notActive, args...)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE last_seen < ?`+notActive, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		report.Expired = n
		for _, id := range ids {
			touched[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	for {
		used, err := s.usedBytes(ctx)
		if err != nil {
			return report, err
		}
		report.UsedBytes = used
		if used <= s.maxBytes {
			break
		}
		n, ids, err := s.trimOldest(ctx, notActive, notActiveArgs)
		if err != nil {
			return report, err
		}
		if n == 0 {
			break
		}
		report.Trimmed += n
		for _, id := range ids {
			touched[id] = struct{}{}
		}
	}

	if len(touched) > 0 {
		ids := make([]int64, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		if err := s.markRootsDirty(ctx, ids); err != nil {
			return report, err
		}
	}

	metrics.RecordPrune(report.Expired + report.Trimmed)
	return report, nil
}

func (s *Store) trimOldest(ctx context.Context, notActive string, notActiveArgs []any) (int64, []int64, error) {
	var (
		n   int64
		ids []int64
	)
	err := s.retry(ctx, "trim oldest entries", func() error {
		ids = ids[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		where := ""
		if notActive != "" {
			where = " WHERE" + strings.TrimPrefix(notActive, " AND")
		}
		args := append(append([]any{}, notActiveArgs...), pruneChunk)
		rows, err := tx.QueryContext(ctx,
			`SELECT rowid, root_id FROM entries`+where+` ORDER BY last_seen ASC LIMIT ?`, args...)
		if err != nil {
			return err
		}
		var rowids []any
		seen := make(map[int64]bool)
		for rows.Next() {
			var rowid, rootID int64
			if err := rows.Scan(&rowid, &rootID); err != nil {
				rows.Close()
				return err
			}
			rowids = append(rowids, rowid)
			if !seen[rootID] {
				seen[rootID] = true
				ids = append(ids, rootID)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(rowids) == 0 {
			n = 0
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE rowid IN (`+placeholders(len(rowids))+`)`, rowids...)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	return n, ids, err
}

// usedBytes is the size of the live pages of the database file.
func (s *Store) usedBytes(ctx context.Context) (int64, error) {
	var pages, free, size int64
	err := s.retry(ctx, "measure store", func() error {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pages); err != nil {
			return err
		}
		if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&free); err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&size)
	})
	return (pages - free) * size, err
}

func (s *Store) markRootsDirty(ctx context.Context, rootIDs []int64) error {
	seq := s.seq.Add(1)
	args := make([]any, 0, len(rootIDs)+1)
	args = append(args, seq)
	for _, id := range rootIDs {
		args = append(args, id)
	}
	return s.retry(ctx, "mark pruned roots dirty", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE entries SET flags = flags | 1, dirty_seq = ? WHERE root_id IN (`+placeholders(len(rootIDs))+`)`,
			args...)
		return err
	})
}

// notIn builds an " AND col NOT IN (...)" clause, empty when ids is empty.
func notIn(col string, ids []int64) (string, []any) {
	if len(ids) == 0 {
		return "", nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return " AND " + col + " NOT IN (" + placeholders(len(ids)) + ")", args
}
