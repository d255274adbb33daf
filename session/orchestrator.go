package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/riadafridishibly/dusk/cache"
	"github.com/riadafridishibly/dusk/internal/logging"
	"github.com/riadafridishibly/dusk/internal/metrics"
	"github.com/riadafridishibly/dusk/scanner"
	"github.com/riadafridishibly/dusk/watcher"
	"go.uber.org/zap"
)

// ErrClosed is returned once the orchestrator has been closed.
var ErrClosed = errors.New("session: orchestrator closed")

// Options configures an Orchestrator.
type Options struct {
	Walker scanner.Options
	Watch  watcher.Config
	// OnFinish is called after each session reaches a terminal state.
	OnFinish func(*Session)
	Logger   *zap.Logger
}

type rootState struct {
	root      cache.Root
	active    *Session
	last      *Session
	rescanDue bool
	watcher   *watcher.Watcher
}

// Orchestrator sequences scans over one store.
type Orchestrator struct {
	store *cache.Store
	opts  Options
	log   *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	roots  map[string]*rootState
	closed bool
}

// New returns an orchestrator writing to store.
func New(store *cache.Store, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logging.Named("session")
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:  store,
		opts:   opts,
		log:    log,
		base:   base,
		cancel: cancel,
		roots:  make(map[string]*rootState),
	}
}

// Canonical resolves path to the absolute, symlink-free form roots are keyed
// by.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}

func (o *Orchestrator) rootFor(ctx context.Context, path string) (*rootState, error) {
	canonical, err := Canonical(path)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", path, err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	rs, ok := o.roots[canonical]
	o.mu.Unlock()
	if ok {
		return rs, nil
	}

	root, err := o.store.Root(ctx, canonical)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if rs, ok := o.roots[canonical]; ok {
		return rs, nil
	}
	rs = &rootState{root: root}
	o.roots[canonical] = rs
	return rs, nil
}

func (o *Orchestrator) rootOf(rs *rootState) cache.Root {
	o.mu.Lock()
	defer o.mu.Unlock()
	return rs.root
}

// StartScan starts a scan of path, or returns the scan already in flight for
// it.
func (o *Orchestrator) StartScan(ctx context.Context, path string) (*Session, error) {
	rs, err := o.rootFor(ctx, path)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	if rs.active != nil {
		return rs.active, nil
	}
	return o.startLocked(rs), nil
}

// HandleSignal applies one watcher signal. Dirty marks the path and its
// ancestors and schedules a rescan behind any scan in flight. Rescan
// invalidates the whole root and restarts its scan. The returned session is
// the one that will observe the change, when it already exists.
func (o *Orchestrator) HandleSignal(ctx context.Context, sig watcher.Signal) (*Session, error) {
	rs, err := o.rootFor(ctx, sig.Root)
	if err != nil {
		return nil, err
	}

	switch sig.Kind {
	case watcher.SignalDirty:
		if err := o.store.MarkAncestorsDirty(ctx, o.rootOf(rs).ID, sig.Path); err != nil {
			return nil, err
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.closed {
			return nil, ErrClosed
		}
		if rs.active != nil {
			rs.rescanDue = true
			return rs.active, nil
		}
		return o.startLocked(rs), nil

	case watcher.SignalRescan:
		return o.restart(ctx, rs, true, func() error {
			return o.store.MarkRootDirty(ctx, rs.root.ID)
		})
	}
	return nil, fmt.Errorf("session: unknown signal kind %d", sig.Kind)
}

// ClearCache cancels the scan of path in flight, waits for it to stop,
// deletes the root's cached entries and starts a fresh scan.
func (o *Orchestrator) ClearCache(ctx context.Context, path string) (*Session, error) {
	rs, err := o.rootFor(ctx, path)
	if err != nil {
		return nil, err
	}
	return o.restart(ctx, rs, true, o.clearRoot(ctx, rs, nil))
}

// Clear is ClearCache without the rescan. It returns the number of entries
// deleted.
func (o *Orchestrator) Clear(ctx context.Context, path string) (int64, error) {
	rs, err := o.rootFor(ctx, path)
	if err != nil {
		return 0, err
	}
	var n int64
	_, err = o.restart(ctx, rs, false, o.clearRoot(ctx, rs, &n))
	return n, err
}

// clearRoot returns a restart step deleting rs's entries. Callers hold o.mu
// when it runs.
func (o *Orchestrator) clearRoot(ctx context.Context, rs *rootState, cleared *int64) func() error {
	return func() error {
		n, err := o.store.ClearRoot(ctx, rs.root.ID)
		if err != nil {
			return err
		}
		if cleared != nil {
			*cleared = n
		}
		o.log.Info("cleared cache", zap.String("root", rs.root.Path), zap.Int64("entries", n))
		return nil
	}
}

// restart stops whatever scan is in flight for rs, applies prepare while no
// scan can start, then starts a new scan when start is set.
func (o *Orchestrator) restart(ctx context.Context, rs *rootState, start bool, prepare func() error) (*Session, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, ErrClosed
		}
		active := rs.active
		rs.rescanDue = false
		if active == nil {
			err := prepare()
			if err != nil || !start {
				o.mu.Unlock()
				return nil, err
			}
			s := o.startLocked(rs)
			o.mu.Unlock()
			return s, nil
		}
		o.mu.Unlock()

		active.Cancel()
		if err := active.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Watch starts a change watcher on path whose signals feed HandleSignal.
func (o *Orchestrator) Watch(ctx context.Context, path string) (*watcher.Watcher, error) {
	rs, err := o.rootFor(ctx, path)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if rs.watcher != nil {
		w := rs.watcher
		o.mu.Unlock()
		return w, nil
	}
	o.mu.Unlock()

	w := watcher.New(o.rootOf(rs).Path, o.opts.Watch, watcher.WithLogger(o.log.Named("watcher")))
	if err := w.Start(o.base); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closed || rs.watcher != nil {
		existing := rs.watcher
		o.mu.Unlock()
		w.Stop()
		if existing == nil {
			return nil, ErrClosed
		}
		return existing, nil
	}
	rs.watcher = w
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for sig := range w.Signals() {
			if _, err := o.HandleSignal(o.base, sig); err != nil && !errors.Is(err, ErrClosed) {
				o.log.Warn("apply watcher signal", zap.Stringer("signal", sig), zap.Error(err))
			}
		}
	}()
	return w, nil
}

// Session returns the scan in flight for path, or the last one to finish.
func (o *Orchestrator) Session(path string) *Session {
	canonical, err := Canonical(path)
	if err != nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	rs, ok := o.roots[canonical]
	if !ok {
		return nil
	}
	if rs.active != nil {
		return rs.active
	}
	return rs.last
}

// Roots returns the canonical paths the orchestrator has seen.
func (o *Orchestrator) Roots() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.roots))
	for p := range o.roots {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// WaitIdle blocks until no scan is in flight, follow-up rescans included.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	for {
		o.mu.Lock()
		var active []*Session
		for _, rs := range o.roots {
			if rs.active != nil {
				active = append(active, rs.active)
			}
		}
		o.mu.Unlock()
		if len(active) == 0 {
			return nil
		}
		for _, s := range active {
			if err := s.Wait(ctx); err != nil {
				return err
			}
		}
	}
}

// Close cancels every scan, stops the watchers and waits for both.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	var watchers []*watcher.Watcher
	for _, rs := range o.roots {
		if rs.watcher != nil {
			watchers = append(watchers, rs.watcher)
			rs.watcher = nil
		}
	}
	o.mu.Unlock()

	o.cancel()
	for _, w := range watchers {
		w.Stop()
	}
	o.wg.Wait()
	return nil
}

// startLocked starts a scan of rs. Callers hold o.mu.
func (o *Orchestrator) startLocked(rs *rootState) *Session {
	s := newSession(o.base, rs.root)
	s.transition(StateIdle, StateScanning)
	rs.active = s
	o.wg.Add(1)
	go o.run(rs, s)
	return s
}

func (o *Orchestrator) run(rs *rootState, s *Session) {
	defer o.wg.Done()

	o.scan(s)

	o.mu.Lock()
	if r := s.finalRoot(); r.ScanCount > rs.root.ScanCount {
		rs.root = r
	}
	rs.active = nil
	rs.last = s
	if rs.rescanDue && !o.closed {
		rs.rescanDue = false
		o.startLocked(rs)
	}
	o.mu.Unlock()

	close(s.done)
	if o.opts.OnFinish != nil {
		o.opts.OnFinish(s)
	}
}

func (o *Orchestrator) scan(s *Session) {
	metrics.ScanStarted()
	defer metrics.ScanEnded()

	// store writes outlive cancellation: finalized entries and the dirty
	// marks of an aborted walk must still land
	wctx := context.WithoutCancel(s.ctx)
	w := o.store.BeginScan(wctx, s.Root)
	agg := scanner.NewAggregator(o.store, w)
	s.mu.Lock()
	s.agg = agg
	s.mu.Unlock()

	var failure error
	for ev := range scanner.NewWalker(o.store, o.opts.Walker).Walk(s.ctx, s.Root) {
		if failure != nil {
			continue
		}
		switch ev.Kind {
		case scanner.EventFound:
			if ev.Entry.IsDir() {
				s.dirs.Add(1)
			} else {
				s.files.Add(1)
			}
			metrics.RecordEntry(ev.Entry.Kind.String())
		case scanner.EventSkipped:
			s.hits.Add(1)
			metrics.RecordCacheHit()
		case scanner.EventError:
			if cache.IsIO(ev.Err) {
				failure = ev.Err
				s.cancel()
				continue
			}
			s.fsErrors.Add(1)
			metrics.RecordFSError()
			o.log.Debug("unreadable path", zap.String("root", s.Root.Path), zap.String("path", ev.Path), zap.Error(ev.Err))
		}
		if err := agg.Add(ev); err != nil {
			failure = err
			s.cancel()
		}
	}

	state := StateCompleted
	switch {
	case failure != nil:
		state = StateFailed
		if err := agg.Abort(wctx); err != nil {
			o.log.Warn("abort failed scan", zap.String("root", s.Root.Path), zap.Error(err))
		}
		w.Close()
	case s.ctx.Err() != nil:
		state = StateCancelled
		failure = o.finishCancelled(wctx, s, agg, w)
	default:
		failure = o.finishCompleted(wctx, s, agg, w)
	}
	if failure != nil {
		state = StateFailed
	}

	s.finish(state, failure)
	o.summarize(s)
}

func (o *Orchestrator) finishCompleted(ctx context.Context, s *Session, agg *scanner.Aggregator, w *cache.ScanWriter) error {
	if err := agg.Close(); err != nil {
		w.Close()
		return err
	}
	swept, err := w.Sweep()
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if swept > 0 {
		o.log.Debug("swept unseen entries", zap.String("root", s.Root.Path), zap.Int64("entries", swept))
	}

	mismatches, err := o.store.ValidateAggregate(ctx, s.Root.ID, cache.RootPath)
	if err != nil {
		return err
	}
	s.validation.Store(int64(len(mismatches)))
	metrics.RecordValidationErrors(len(mismatches))

	s.mu.Lock()
	s.mismatches = mismatches
	s.total = agg.Total()
	s.mu.Unlock()

	return o.finishRoot(ctx, s)
}

func (o *Orchestrator) finishCancelled(ctx context.Context, s *Session, agg *scanner.Aggregator, w *cache.ScanWriter) error {
	if err := agg.Abort(ctx); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return o.finishRoot(ctx, s)
}

// finishRoot bumps the root's counters and runs maintenance when due.
func (o *Orchestrator) finishRoot(ctx context.Context, s *Session) error {
	root, err := o.store.FinishScan(ctx, s.Root.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.final = root
	s.mu.Unlock()
	if _, err := o.store.PruneIfNeeded(ctx, root); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) summarize(s *Session) {
	st := s.Stats()
	elapsed := s.Elapsed()
	metrics.RecordScan(s.State().String(), elapsed)

	fields := []zap.Field{
		zap.String("session", s.ID.String()),
		zap.String("root", s.Root.Path),
		zap.Stringer("state", s.State()),
		zap.Int64("files", st.FilesScanned),
		zap.Int64("dirs", st.DirsScanned),
		zap.Int64("cache_hits", st.CacheHits),
		zap.Int64("fs_errors", st.FSErrors),
		zap.Int64("validation_errors", st.ValidationErrors),
		zap.Duration("elapsed", elapsed.Round(time.Millisecond)),
	}
	if err := s.Err(); err != nil {
		o.log.Error("scan failed", append(fields, zap.Error(err))...)
		return
	}
	o.log.Info("scan finished", fields...)
}
