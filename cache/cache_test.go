package cache

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "dusk.sqlite"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dirEntry(rel string, size int64) Entry {
	return Entry{Path: rel, Parent: ParentOf(rel), Kind: KindDir, AggregateSize: size, ModTime: 1}
}

func fileEntry(rel string, size int64) Entry {
	return Entry{Path: rel, Parent: ParentOf(rel), Kind: KindFile, AggregateSize: size, ModTime: 1}
}

func lookup(t *testing.T, s *Store, rootID int64, rel string) *Entry {
	t.Helper()
	e, err := s.Lookup(context.Background(), rootID, rel)
	require.NoError(t, err)
	return e
}

func TestSkipEligibleMatrix(t *testing.T) {
	for _, exists := range []bool{false, true} {
		for _, state := range []State{Clean, Dirty} {
			for _, sameTime := range []bool{false, true} {
				var e *Entry
				if exists {
					e = &Entry{Path: "d", Kind: KindDir, ModTime: 1000, State: state}
				}
				live := LiveMeta{ModTime: 1000}
				if !sameTime {
					live.ModTime = 1001
				}
				want := exists && state == Clean && sameTime
				assert.Equal(t, want, SkipEligible(e, live),
					"exists=%v state=%s sameTime=%v", exists, state, sameTime)
			}
		}
	}
}

func TestSkipEligibleRejectsNewerCachedTime(t *testing.T) {
	e := &Entry{Path: "d", Kind: KindDir, ModTime: 2000}
	assert.False(t, SkipEligible(e, LiveMeta{ModTime: 1000}))
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dusk.sqlite")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	v, err := schemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion(), v)

	root, err := s.Root(ctx, "/data/photos")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, err = schemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion(), v)

	again, err := s.Root(ctx, "/data/photos")
	require.NoError(t, err)
	assert.Equal(t, root.ID, again.ID)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dusk.sqlite")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`PRAGMA user_version = 99`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.True(t, IsMigration(err))
}

func TestMigrateStopsAtFailedStep(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "dusk.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	list := []migration{
		{version: 1, name: "ok", stmts: []string{`CREATE TABLE a (x INTEGER)`}},
		{version: 2, name: "broken", stmts: []string{`CREATE TABLE b (`}},
	}
	v, err := migrate(ctx, db, list, zap.NewNop())
	require.Error(t, err)
	assert.True(t, IsMigration(err))
	assert.Equal(t, 1, v)

	current, err := schemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, current)
}

func TestRootLookupOrCreate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.Root(ctx, "/srv/a")
	require.NoError(t, err)
	b, err := s.Root(ctx, "/srv/b")
	require.NoError(t, err)
	again, err := s.Root(ctx, "/srv/a")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ID, again.ID)
	assert.Zero(t, a.ScanCount)

	roots, err := s.Roots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, "/srv/a", roots[0].Path)
}

func TestMarkAncestorsDirty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, root.ID,
		fileEntry("a/b/c.txt", 5),
		dirEntry("a/b", 5),
		dirEntry("a", 5),
		fileEntry("x", 1),
		dirEntry(".", 6),
	))

	require.NoError(t, s.MarkAncestorsDirty(ctx, root.ID, "a/b/c.txt"))

	for _, rel := range []string{"a/b/c.txt", "a/b", "a", "."} {
		assert.Equal(t, Dirty, lookup(t, s, root.ID, rel).State, rel)
	}
	assert.Equal(t, Clean, lookup(t, s, root.ID, "x").State)
}

func TestMarkAncestorsDirtyMissingLeaf(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, root.ID, dirEntry("a", 0), dirEntry(".", 0)))

	require.NoError(t, s.MarkAncestorsDirty(ctx, root.ID, "a/new/file.bin"))

	assert.Nil(t, lookup(t, s, root.ID, "a/new/file.bin"))
	assert.Equal(t, Dirty, lookup(t, s, root.ID, "a").State)
	assert.Equal(t, Dirty, lookup(t, s, root.ID, ".").State)
}

func TestWriteKeepsLaterDirtyMark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, root.ID, dirEntry("d", 10)))

	readSeq := s.Seq()
	require.EqualValues(t, 1, readSeq, "a fresh store starts above the zero sequence")
	require.NoError(t, s.MarkAncestorsDirty(ctx, root.ID, "d"))

	stale := dirEntry("d", 10)
	stale.ReadSeq = readSeq
	require.NoError(t, s.Write(ctx, root.ID, stale))
	assert.Equal(t, Dirty, lookup(t, s, root.ID, "d").State)

	fresh := dirEntry("d", 12)
	fresh.ReadSeq = s.Seq()
	require.NoError(t, s.Write(ctx, root.ID, fresh))
	got := lookup(t, s, root.ID, "d")
	assert.Equal(t, Clean, got.State)
	assert.EqualValues(t, 12, got.AggregateSize)
}

func TestStaleWriteOnFreshStoreKeepsDirtyMark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)

	// read before any mark exists, written after one landed
	e := fileEntry("f", 1)
	e.ReadSeq = s.Seq()
	require.NoError(t, s.Write(ctx, root.ID, fileEntry("f", 1)))
	require.NoError(t, s.MarkAncestorsDirty(ctx, root.ID, "f"))
	require.NoError(t, s.Write(ctx, root.ID, e))
	assert.Equal(t, Dirty, lookup(t, s, root.ID, "f").State)
}

func TestDirtyMarkBeforeInsertSurvivesScan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)

	w := s.BeginScan(ctx, root)
	require.NoError(t, w.Put(fileEntry("a/A", 100)))
	// the mark lands while the rows are still buffered in the writer
	require.NoError(t, s.MarkAncestorsDirty(ctx, root.ID, "a/A"))

	fresh := func(e Entry) Entry {
		e.ReadSeq = s.Seq()
		return e
	}
	require.NoError(t, w.Put(fresh(fileEntry("a/B", 200))))
	require.NoError(t, w.Put(fresh(dirEntry("a", 300))))
	require.NoError(t, w.Put(fresh(fileEntry("z", 1))))
	require.NoError(t, w.Put(fresh(dirEntry(".", 301))))
	require.NoError(t, w.Close())

	assert.Equal(t, Dirty, lookup(t, s, root.ID, "a/A").State)
	assert.Equal(t, Dirty, lookup(t, s, root.ID, "a").State)
	assert.Equal(t, Dirty, lookup(t, s, root.ID, ".").State)
	assert.Equal(t, Clean, lookup(t, s, root.ID, "z").State)
	assert.Equal(t, Clean, lookup(t, s, root.ID, "a/B").State)

	// marks are forgotten once no scan is writing
	require.NoError(t, s.Write(ctx, root.ID, dirEntry("a", 300), dirEntry(".", 301)))
	w = s.BeginScan(ctx, root)
	require.NoError(t, w.Close())
	assert.Equal(t, Clean, lookup(t, s, root.ID, "a").State)
	assert.Equal(t, Clean, lookup(t, s, root.ID, ".").State)
}

func TestSeqSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dusk.sqlite")
	ctx := context.Background()
	s, err := Open(path)
	require.NoError(t, err)
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, root.ID, dirEntry(".", 0)))
	require.NoError(t, s.MarkAncestorsDirty(ctx, root.ID, "."))
	require.NoError(t, s.MarkAncestorsDirty(ctx, root.ID, "."))
	seq := s.Seq()
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, seq, s.Seq())
}

func TestValidateAggregateReportsCorruption(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, root.ID,
		fileEntry("d/a", 100),
		fileEntry("d/b", 200),
		dirEntry("d", 300),
		dirEntry(".", 300),
	))

	mismatches, err := s.ValidateAggregate(ctx, root.ID, ".")
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	_, err = s.DB().Exec(`UPDATE entries SET aggregate_size = 999 WHERE root_id = ? AND path = 'd'`, root.ID)
	require.NoError(t, err)

	mismatches, err = s.ValidateAggregate(ctx, root.ID, ".")
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, Mismatch{Path: "d", Stored: 999, Computed: 300}, mismatches[0])

	assert.Equal(t, Dirty, lookup(t, s, root.ID, ".").State)
	assert.Equal(t, Dirty, lookup(t, s, root.ID, "d").State)
	assert.Equal(t, Clean, lookup(t, s, root.ID, "d/a").State)

	mismatches, err = s.ValidateAggregate(ctx, root.ID, "d")
	require.NoError(t, err)
	assert.Equal(t, []Mismatch{{Path: "d", Stored: 999, Computed: 300}}, mismatches)
}

func TestValidateAggregateCollectsEveryMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, root.ID,
		fileEntry("p/f", 1),
		dirEntry("p", 7),
		fileEntry("q/f", 2),
		dirEntry("q", 9),
		dirEntry(".", 3),
	))

	mismatches, err := s.ValidateAggregate(ctx, root.ID, ".")
	require.NoError(t, err)
	assert.Equal(t, []Mismatch{
		{Path: "p", Stored: 7, Computed: 1},
		{Path: "q", Stored: 9, Computed: 2},
	}, mismatches)
}

func TestPruneCadence(t *testing.T) {
	clock := newTestClock()
	s := openTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)

	var fired []int64
	for i := 0; i < 10; i++ {
		root, err = s.FinishScan(ctx, root.ID)
		require.NoError(t, err)
		ran, err := s.PruneIfNeeded(ctx, root)
		require.NoError(t, err)
		if ran {
			fired = append(fired, root.ScanCount)
		}
	}
	assert.Equal(t, []int64{5, 10}, fired)
}

func TestPruneAfterInterval(t *testing.T) {
	clock := newTestClock()
	s := openTestStore(t, WithClock(clock.Now))
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)

	root, err = s.FinishScan(ctx, root.ID)
	require.NoError(t, err)
	assert.False(t, s.ShouldPrune(root))

	clock.Advance(61 * time.Minute)
	ran, err := s.PruneIfNeeded(ctx, root)
	require.NoError(t, err)
	assert.True(t, ran)

	root, err = s.RootByID(ctx, root.ID)
	require.NoError(t, err)
	assert.False(t, s.ShouldPrune(root))
}

func TestPruneExpiresStaleEntriesOfIdleRoots(t *testing.T) {
	clock := newTestClock()
	s := openTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	idle, err := s.Root(ctx, "/idle")
	require.NoError(t, err)
	busy, err := s.Root(ctx, "/busy")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, idle.ID, fileEntry("f", 1), dirEntry(".", 1)))
	require.NoError(t, s.Write(ctx, busy.ID, fileEntry("g", 2), dirEntry(".", 2)))

	clock.Advance(31 * 24 * time.Hour)
	w := s.BeginScan(ctx, busy)
	defer w.Close()

	report, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.Expired)

	n, err := s.Count(ctx, idle.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.Count(ctx, busy.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestPruneTrimsToSizeCap(t *testing.T) {
	s := openTestStore(t, WithMaxBytes(1))
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)

	entries := []Entry{dirEntry(".", 0)}
	for i := 0; i < 50; i++ {
		entries = append(entries, fileEntry(string(rune('a'+i%26))+string(rune('a'+i/26)), 0))
	}
	require.NoError(t, s.Write(ctx, root.ID, entries...))

	report, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(entries), report.Trimmed)

	n, err := s.Count(ctx, root.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScanWriterSweepsUnseenRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)

	w := s.BeginScan(ctx, root)
	require.NoError(t, w.Put(fileEntry("a", 1)))
	require.NoError(t, w.Put(fileEntry("b", 2)))
	require.NoError(t, w.Put(dirEntry(".", 3)))
	swept, err := w.Sweep()
	require.NoError(t, err)
	assert.Zero(t, swept)
	require.NoError(t, w.Close())
	assert.EqualValues(t, 3, w.Written())

	w = s.BeginScan(ctx, root)
	require.NoError(t, w.Put(fileEntry("a", 1)))
	require.NoError(t, w.Put(dirEntry(".", 1)))
	swept, err = w.Sweep()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.EqualValues(t, 1, swept)
	assert.Nil(t, lookup(t, s, root.ID, "b"))
}

func TestScanWriterTouchKeepsReusedSubtree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)

	w := s.BeginScan(ctx, root)
	require.NoError(t, w.Put(fileEntry("d/x", 4)))
	require.NoError(t, w.Put(dirEntry("d", 4)))
	require.NoError(t, w.Put(fileEntry("d0", 1)))
	require.NoError(t, w.Put(dirEntry(".", 5)))
	require.NoError(t, w.Close())

	w = s.BeginScan(ctx, root)
	require.NoError(t, w.Touch("d"))
	require.NoError(t, w.Put(dirEntry(".", 4)))
	swept, err := w.Sweep()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.EqualValues(t, 1, swept)
	assert.NotNil(t, lookup(t, s, root.ID, "d/x"))
	assert.Nil(t, lookup(t, s, root.ID, "d0"))
}

func TestScanWriterRejectsWritesAfterClose(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)

	w := s.BeginScan(ctx, root)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Put(fileEntry("a", 1)), ErrWriterClosed)
}

func TestClearRootRefusesActiveScan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, root.ID, fileEntry("a", 1), dirEntry(".", 1)))

	w := s.BeginScan(ctx, root)
	_, err = s.ClearRoot(ctx, root.ID)
	assert.ErrorIs(t, err, ErrScanActive)
	require.NoError(t, w.Close())

	n, err := s.ClearRoot(ctx, root.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	again, err := s.Root(ctx, "/tree")
	require.NoError(t, err)
	assert.Equal(t, root.ID, again.ID)
}

func TestChildrenLargestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	root, err := s.Root(ctx, "/tree")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, root.ID,
		fileEntry("small", 1),
		fileEntry("big", 50),
		fileEntry("sub/nested", 9),
		dirEntry("sub", 9),
		dirEntry(".", 60),
	))

	children, err := s.Children(ctx, root.ID, ".")
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "big", children[0].Path)
	assert.Equal(t, "sub", children[1].Path)
	assert.True(t, children[1].IsDir())
	assert.Equal(t, "small", children[2].Path)
}

func TestRelPaths(t *testing.T) {
	rel, err := Rel("/r", "/r")
	require.NoError(t, err)
	assert.Equal(t, RootPath, rel)

	rel, err = Rel("/r", "/r/a/b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", rel)

	_, err = Rel("/r", "/other")
	assert.Error(t, err)

	assert.Equal(t, []string{"a/b", "a", "."}, Ancestors("a/b"))
	assert.Equal(t, "", ParentOf("."))
	assert.Equal(t, ".", ParentOf("a"))
	assert.Equal(t, "a/b", Join("a", "b"))
	assert.Equal(t, "b", Join(".", "b"))

	rel, err = CleanRel("")
	require.NoError(t, err)
	assert.Equal(t, RootPath, rel)
	rel, err = CleanRel("a//b/./c/")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c", rel)
	_, err = CleanRel("../x")
	assert.Error(t, err)
	_, err = CleanRel("/abs")
	assert.Error(t, err)

	assert.Equal(t, "clean", Clean.String())
	assert.Equal(t, "dirty", Dirty.String())
}
