// Package cache is the durable store of scanned filesystem metadata. It keeps
// one row per root and one row per file or directory below it in a single
// SQLite file, and owns schema migration, dirty tracking, aggregate
// validation and maintenance.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/riadafridishibly/dusk/internal/logging"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	DefaultMaxBytes      int64 = 512 * 1024 * 1024
	DefaultMaxAge              = 30 * 24 * time.Hour
	DefaultPruneEvery          = 5
	DefaultPruneInterval       = time.Hour

	rootCacheSize = 256
)

// Store is a handle on one cache database file. It is safe for concurrent
// use; all statements share a single connection, which serializes writers.
type Store struct {
	db   *sql.DB
	path string
	log  *zap.Logger
	now  func() time.Time

	maxBytes      int64
	maxAge        time.Duration
	pruneEvery    int64
	pruneInterval time.Duration
	retryWait     time.Duration

	// seq orders dirty marks against reads; see Entry.ReadSeq.
	seq atomic.Int64

	roots *lru.Cache[string, int64]

	mu        sync.Mutex
	active    map[int64]int
	lastToken int64
	// pending holds the dirty marks of roots with a scan writing. A mark
	// can land before the rows it targets are inserted; writers replay
	// these once their rows are committed.
	pending map[int64][]dirtyMark
}

type dirtyMark struct {
	path string
	seq  int64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes sets the on-disk size cap enforced by maintenance.
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// WithMaxAge sets how long an entry may go unseen before maintenance drops it.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithPruneEvery runs maintenance whenever a root's scan count is a multiple of n.
func WithPruneEvery(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pruneEvery = int64(n)
		}
	}
}

// WithPruneInterval runs maintenance when this much time passed since the last run.
func WithPruneInterval(d time.Duration) Option {
	return func(s *Store) { s.pruneInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryWait sets the initial backoff before retrying a transient error.
func WithRetryWait(d time.Duration) Option {
	return func(s *Store) { s.retryWait = d }
}

// DefaultPath returns the database path inside dir.
func DefaultPath(dir string) (string, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("failed to get cache directory: %w", err)
		}
		dir = filepath.Join(base, "dusk")
	}
	return filepath.Join(dir, "dusk.sqlite"), nil
}

// Open opens or creates the database at path and applies pending
// migrations. A migration failure is returned as ErrKindMigration and the
// store is closed.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:          path,
		log:           logging.Named("cache"),
		now:           time.Now,
		maxBytes:      DefaultMaxBytes,
		maxAge:        DefaultMaxAge,
		pruneEvery:    DefaultPruneEvery,
		pruneInterval: DefaultPruneInterval,
		retryWait:     50 * time.Millisecond,
		active:        make(map[int64]int),
		pending:       make(map[int64][]dirtyMark),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StoreError{Kind: ErrKindIO, Op: "create cache directory", Err: err}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Kind: ErrKindIO, Op: "open", Err: err}
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA temp_store=MEMORY`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, &StoreError{Kind: ErrKindIO, Op: pragma, Err: err}
		}
	}

	if _, err := migrate(ctx, db, migrations, s.log); err != nil {
		db.Close()
		return nil, err
	}

	var maxSeq int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(dirty_seq), 0) FROM entries`).Scan(&maxSeq); err != nil {
		db.Close()
		return nil, &StoreError{Kind: ErrKindIO, Op: "load dirty sequence", Err: err}
	}
	// Sequence 0 is never handed out, so a zero Entry.ReadSeq can mean
	// "read just now".
	s.seq.Store(max(maxSeq, 1))

	s.roots, err = lru.New[string, int64](rootCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle for read-only inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Seq returns the current dirty-mark sequence, which is at least 1. Readers
// capture it before reading from disk and hand it back through
// Entry.ReadSeq.
func (s *Store) Seq() int64 {
	return s.seq.Load()
}

const rootColumns = `id, canonical_path, scan_count, last_scan_utc, last_pruned_utc, created_utc`

func scanRoot(row interface{ Scan(...any) error }) (Root, error) {
	var (
		r                         Root
		lastScan, pruned, created int64
	)
	if err := row.Scan(&r.ID, &r.Path, &r.ScanCount, &lastScan, &pruned, &created); err != nil {
		return Root{}, err
	}
	r.LastScan = unixOrZero(lastScan)
	r.LastPruned = unixOrZero(pruned)
	r.Created = unixOrZero(created)
	return r, nil
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Root looks up the root row for a canonical path, creating it on first use.
func (s *Store) Root(ctx context.Context, canonicalPath string) (Root, error) {
	if canonicalPath == "" {
		return Root{}, errors.New("cache: empty root path")
	}

	if id, ok := s.roots.Get(canonicalPath); ok {
		root, err := s.RootByID(ctx, id)
		if err == nil {
			return root, nil
		}
		s.roots.Remove(canonicalPath)
	}

	var root Root
	err := s.retry(ctx, "resolve root", func() error {
		now := s.now().Unix()
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO roots (canonical_path, scan_count, last_scan_utc, last_pruned_utc, created_utc)
			 VALUES (?, 0, 0, ?, ?)`,
			canonicalPath, now, now)
		if err != nil {
			return err
		}
		root, err = scanRoot(s.db.QueryRowContext(ctx,
			`SELECT `+rootColumns+` FROM roots WHERE canonical_path = ?`, canonicalPath))
		return err
	})
	if err != nil {
		return Root{}, err
	}
	s.roots.Add(canonicalPath, root.ID)
	return root, nil
}

// RootByID loads a root row.
func (s *Store) RootByID(ctx context.Context, id int64) (Root, error) {
	var root Root
	err := s.retry(ctx, "load root", func() error {
		var err error
		root, err = scanRoot(s.db.QueryRowContext(ctx, `SELECT `+rootColumns+` FROM roots WHERE id = ?`, id))
		return err
	})
	return root, err
}

// Roots lists every tracked root.
func (s *Store) Roots(ctx context.Context) ([]Root, error) {
	var roots []Root
	err := s.retry(ctx, "list roots", func() error {
		roots = roots[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT `+rootColumns+` FROM roots ORDER BY canonical_path`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRoot(rows)
			if err != nil {
				return err
			}
			roots = append(roots, r)
		}
		return rows.Err()
	})
	return roots, err
}

const entryColumns = `path, parent, kind, aggregate_size, mtime_ns, last_seen, flags`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var (
		e      Entry
		parent sql.NullString
		kind   int64
		flags  int64
	)
	if err := row.Scan(&e.Path, &parent, &kind, &e.AggregateSize, &e.ModTime, &e.LastSeen, &flags); err != nil {
		return Entry{}, err
	}
	e.Parent = parent.String
	e.Kind = Kind(kind)
	e.State = stateFromFlags(flags)
	return e, nil
}

// Lookup returns the cached entry for rel, or nil when there is none.
func (s *Store) Lookup(ctx context.Context, rootID int64, rel string) (*Entry, error) {
	var (
		entry Entry
		found bool
	)
	err := s.retry(ctx, "lookup entry", func() error {
		var err error
		entry, err = scanEntry(s.db.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM entries WHERE root_id = ? AND path = ?`, rootID, rel))
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &entry, nil
}

// Children returns the direct children of rel, largest first.
func (s *Store) Children(ctx context.Context, rootID int64, rel string) ([]Entry, error) {
	var out []Entry
	err := s.retry(ctx, "list children", func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+entryColumns+` FROM entries WHERE root_id = ? AND parent = ?
			 ORDER BY aggregate_size DESC, path ASC`, rootID, rel)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// Count returns the number of cached entries of a root.
func (s *Store) Count(ctx context.Context, rootID int64) (int64, error) {
	var n int64
	err := s.retry(ctx, "count entries", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE root_id = ?`, rootID).Scan(&n)
	})
	return n, err
}

const upsertEntry = `
INSERT INTO entries (root_id, path, parent, kind, aggregate_size, mtime_ns, last_seen, flags, dirty_seq)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, 0, 0)
ON CONFLICT(root_id, path) DO UPDATE SET
    parent = excluded.parent,
    kind = excluded.kind,
    aggregate_size = excluded.aggregate_size,
    mtime_ns = excluded.mtime_ns,
    last_seen = excluded.last_seen,
    flags = CASE WHEN entries.dirty_seq > ?8 THEN entries.flags ELSE 0 END
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execUpsert(ctx context.Context, x execer, rootID int64, e Entry, lastSeen int64) error {
	var parent any
	if e.Parent != "" {
		parent = e.Parent
	}
	_, err := x.ExecContext(ctx, upsertEntry,
		rootID, e.Path, parent, int64(e.Kind), e.AggregateSize, e.ModTime, lastSeen, e.ReadSeq)
	return err
}

// Write upserts entries outside of a scan. Each write clears the dirty state
// unless the row was marked after the entry's ReadSeq; a zero ReadSeq means
// the entry was read just now.
func (s *Store) Write(ctx context.Context, rootID int64, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	seen := s.now().UnixNano()
	current := s.Seq()
	return s.retry(ctx, "write entries", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, e := range entries {
			if e.ReadSeq == 0 {
				e.ReadSeq = current
			}
			if err := execUpsert(ctx, tx, rootID, e, seen); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// MarkAncestorsDirty marks rel and every ancestor up to the root as dirty.
// Missing rows are ignored; the nearest existing ancestor carries the mark.
// While a scan of the root is writing, the mark is also replayed when the
// scan's writer closes, so rows the scan inserts later keep it.
func (s *Store) MarkAncestorsDirty(ctx context.Context, rootID int64, rel string) error {
	rel, err := CleanRel(rel)
	if err != nil {
		return err
	}
	seq := s.seq.Add(1)
	s.notePending(rootID, dirtyMark{path: rel, seq: seq})
	return s.applyMark(ctx, rootID, dirtyMark{path: rel, seq: seq})
}

func (s *Store) applyMark(ctx context.Context, rootID int64, m dirtyMark) error {
	paths := Ancestors(m.path)
	args := make([]any, 0, len(paths)+2)
	args = append(args, m.seq, rootID)
	for _, p := range paths {
		args = append(args, p)
	}
	query := `UPDATE entries SET flags = flags | 1, dirty_seq = MAX(dirty_seq, ?) WHERE root_id = ? AND path IN (` +
		placeholders(len(paths)) + `)`

	return s.retry(ctx, "mark ancestors dirty", func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// MarkRootDirty marks every entry of a root dirty so the next scan re-reads
// the whole tree.
func (s *Store) MarkRootDirty(ctx context.Context, rootID int64) error {
	return s.markRootsDirty(ctx, []int64{rootID})
}

// ClearRoot deletes every entry of a root. The root row and its counters are
// kept. It fails with ErrScanActive while a scan of the root is writing.
func (s *Store) ClearRoot(ctx context.Context, rootID int64) (int64, error) {
	if s.isActive(rootID) {
		return 0, ErrScanActive
	}
	var n int64
	err := s.retry(ctx, "clear root", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE root_id = ?`, rootID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (s *Store) register(rootID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[rootID]++
	token := s.now().UnixNano()
	if token <= s.lastToken {
		token = s.lastToken + 1
	}
	s.lastToken = token
	return token
}

// unregister releases one writer of rootID and returns the dirty marks that
// landed while the root was active. The marks are dropped once the last
// writer is gone.
func (s *Store) unregister(rootID int64) []dirtyMark {
	s.mu.Lock()
	defer s.mu.Unlock()
	marks := append([]dirtyMark(nil), s.pending[rootID]...)
	if s.active[rootID] <= 1 {
		delete(s.active, rootID)
		delete(s.pending, rootID)
		return marks
	}
	s.active[rootID]--
	return marks
}

func (s *Store) notePending(rootID int64, m dirtyMark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[rootID] > 0 {
		s.pending[rootID] = append(s.pending[rootID], m)
	}
}

func (s *Store) isActive(rootID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[rootID] > 0
}

func (s *Store) activeRoots() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
