package cache

import (
	"context"
	"sync"
)

const writerBatch = 256

type opKind uint8

const (
	opPut opKind = iota
	opTouch
)

type writeOp struct {
	kind  opKind
	entry Entry
	path  string
}

// ScanWriter buffers the writes of one scan and commits them in order. Every
// row it writes or touches is stamped with the scan's token so a completed
// scan can sweep rows it never saw.
type ScanWriter struct {
	store *Store
	ctx   context.Context
	root  Root
	token int64

	mu      sync.Mutex
	ops     []writeOp
	written int64
	closed  bool
}

// BeginScan registers a scan of root and returns its writer. The root counts
// as active until Close, which keeps maintenance and ClearRoot off its rows.
func (s *Store) BeginScan(ctx context.Context, root Root) *ScanWriter {
	return &ScanWriter{
		store: s,
		ctx:   ctx,
		root:  root,
		token: s.register(root.ID),
		ops:   make([]writeOp, 0, writerBatch),
	}
}

// Root returns the root being written.
func (w *ScanWriter) Root() Root {
	return w.root
}

// Token is the last_seen stamp of this scan.
func (w *ScanWriter) Token() int64 {
	return w.token
}

// Written returns the number of entries committed so far.
func (w *ScanWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Put queues an upsert of e. Writes clear the dirty state unless the row was
// marked after e.ReadSeq.
func (w *ScanWriter) Put(e Entry) error {
	return w.enqueue(writeOp{kind: opPut, entry: e})
}

// Touch queues a last_seen update for rel and everything below it, for
// subtrees reused from the cache.
func (w *ScanWriter) Touch(rel string) error {
	return w.enqueue(writeOp{kind: opTouch, path: rel})
}

func (w *ScanWriter) enqueue(op writeOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.ops = append(w.ops, op)
	if len(w.ops) >= writerBatch {
		return w.flushLocked()
	}
	return nil
}

// Flush commits every queued write in one transaction.
func (w *ScanWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *ScanWriter) flushLocked() error {
	if len(w.ops) == 0 {
		return nil
	}
	ops := w.ops
	w.ops = make([]writeOp, 0, writerBatch)

	var puts int64
	err := w.store.retry(w.ctx, "flush scan writes", func() error {
		puts = 0
		tx, err := w.store.db.BeginTx(w.ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, op := range ops {
			switch op.kind {
			case opPut:
				if err := execUpsert(w.ctx, tx, w.root.ID, op.entry, w.token); err != nil {
					return err
				}
				puts++
			case opTouch:
				query, args := subtreeWhere("", w.root.ID, op.path)
				if _, err := tx.ExecContext(w.ctx,
					`UPDATE entries SET last_seen = ? WHERE `+query,
					append([]any{w.token}, args...)...); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	w.written += puts
	return nil
}

// Sweep flushes and then deletes every row of the root this scan neither
// wrote nor touched. Only a completed scan may sweep.
func (w *ScanWriter) Sweep() (int64, error) {
	if err := w.Flush(); err != nil {
		return 0, err
	}
	var n int64
	err := w.store.retry(w.ctx, "sweep unseen entries", func() error {
		res, err := w.store.db.ExecContext(w.ctx,
			`DELETE FROM entries WHERE root_id = ? AND last_seen <> ?`, w.root.ID, w.token)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Close flushes pending writes, releases the root and replays the dirty
// marks that arrived while the scan was writing. It is safe to call more
// than once.
func (w *ScanWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.flushLocked()
	w.closed = true
	for _, m := range w.store.unregister(w.root.ID) {
		if merr := w.store.applyMark(w.ctx, w.root.ID, m); merr != nil && err == nil {
			err = merr
		}
	}
	return err
}

// subtreeWhere matches rel and its descendants of one root, with columns
// qualified by alias. The root path matches every row.
func subtreeWhere(alias string, rootID int64, rel string) (string, []any) {
	if rel == RootPath || rel == "" {
		return alias + `root_id = ?`, []any{rootID}
	}
	lo, hi := subtreeBounds(rel)
	where := alias + `root_id = ? AND (` + alias + `path = ? OR (` + alias + `path > ? AND ` + alias + `path < ?))`
	return where, []any{rootID, rel, lo, hi}
}
