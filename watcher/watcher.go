// Package watcher turns filesystem change notifications for one root into
// coarse Dirty and Rescan signals. It uses native notifications through
// fsnotify and degrades to periodic polling when they are unavailable or
// fail.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"
	"github.com/riadafridishibly/dusk/cache"
	"github.com/riadafridishibly/dusk/internal/logging"
	"github.com/riadafridishibly/dusk/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultDebounce   = 250 * time.Millisecond
	DefaultPollMin    = 5 * time.Second
	DefaultPollMax    = 60 * time.Second
	DefaultMaxPending = 4096

	signalBuffer = 64
)

// Mode is the active change source.
type Mode int32

const (
	ModeStopped Mode = iota
	ModeNative
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModeNative:
		return "native"
	case ModePoll:
		return "poll"
	default:
		return "stopped"
	}
}

// SignalKind distinguishes watcher signals.
type SignalKind uint8

const (
	// SignalDirty means something changed at or under Path.
	SignalDirty SignalKind = iota
	// SignalRescan means incremental tracking was lost for the root.
	SignalRescan
)

func (k SignalKind) String() string {
	if k == SignalRescan {
		return "rescan"
	}
	return "dirty"
}

// Signal is one normalized change notification.
type Signal struct {
	Kind SignalKind
	// Root is the watched root's canonical path.
	Root string
	// Path is relative to Root and slash separated. Empty for rescans.
	Path string
}

func (s Signal) String() string {
	if s.Kind == SignalRescan {
		return fmt.Sprintf("rescan(%s)", s.Root)
	}
	return fmt.Sprintf("dirty(%s:%s)", s.Root, s.Path)
}

// Config tunes a Watcher.
type Config struct {
	Debounce time.Duration
	PollMin  time.Duration
	PollMax  time.Duration
	// ForcePoll skips native notifications.
	ForcePoll bool
	// MaxPending caps distinct paths per debounce window or poll before
	// they collapse into one rescan.
	MaxPending int
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Debounce:   DefaultDebounce,
		PollMin:    DefaultPollMin,
		PollMax:    DefaultPollMax,
		MaxPending: DefaultMaxPending,
	}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// Watcher watches one root.
type Watcher struct {
	root  string
	cfg   Config
	clock Clock
	log   *zap.Logger

	mode     atomic.Int32
	debounce *Debouncer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	signals chan Signal
	closed  bool

	fsw *fsnotify.Watcher
}

// New returns a watcher for the canonical root path.
func New(root string, cfg Config, opts ...Option) *Watcher {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	w := &Watcher{
		root:    root,
		cfg:     cfg,
		clock:   RealClock,
		log:     logging.Named("watcher"),
		signals: make(chan Signal, signalBuffer),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.debounce = NewDebouncer(w.clock, cfg.Debounce, cfg.MaxPending, w.flush)
	return w
}

// Root returns the watched path.
func (w *Watcher) Root() string {
	return w.root
}

// Signals is closed by Stop.
func (w *Watcher) Signals() <-chan Signal {
	return w.signals
}

// Mode reports the active change source.
func (w *Watcher) Mode() Mode {
	return Mode(w.mode.Load())
}

// Start begins watching. Native notifications are tried first; a failure to
// set them up degrades to polling. Only a failure to poll is returned.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if !w.cfg.ForcePoll {
		err := w.startNative()
		if err == nil {
			w.log.Info("watching", zap.String("root", w.root), zap.Stringer("mode", ModeNative))
			return nil
		}
		w.degrade(err)
	}
	if err := w.startPoll(); err != nil {
		w.cancel()
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	w.log.Info("watching", zap.String("root", w.root), zap.Stringer("mode", ModePoll))
	return nil
}

// Stop ends watching and closes the signal channel.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.debounce.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.signals)
	}
	w.mode.Store(int32(ModeStopped))
}

func (w *Watcher) startNative() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addRecursive(fsw, w.root); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	w.mode.Store(int32(ModeNative))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := w.nativeLoop(fsw)
		fsw.Close()
		if err == nil || w.ctx.Err() != nil {
			return
		}
		// events may have been lost between the failure and the first poll
		w.degrade(err)
		if err := w.startPoll(); err != nil {
			w.log.Error("polling fallback failed", zap.String("root", w.root), zap.Error(err))
			return
		}
		w.send(Signal{Kind: SignalRescan, Root: w.root})
	}()
	return nil
}

func (w *Watcher) nativeLoop(fsw *fsnotify.Watcher) error {
	for {
		select {
		case <-w.ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return errors.New("notification channel closed")
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("notification error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("notification queue overflow", zap.String("root", w.root))
				w.debounce.Overflow()
				continue
			}
			return err
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	rel, err := cache.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := addRecursive(fsw, ev.Name); err != nil {
				w.log.Warn("watch new directory", zap.String("path", ev.Name), zap.Error(err))
				w.debounce.Overflow()
				return
			}
		}
	}
	w.debounce.Add(rel)
}

func (w *Watcher) startPoll() error {
	sched := NewPollSchedule(w.cfg.PollMin, w.cfg.PollMax)
	p, err := newPoller(w.root, w.clock, sched, w.polled, func(err error) {
		w.log.Warn("poll failed", zap.String("root", w.root), zap.Error(err))
	})
	if err != nil {
		return err
	}
	w.mode.Store(int32(ModePoll))
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		p.run(w.ctx)
	}()
	return nil
}

func (w *Watcher) degrade(err error) {
	metrics.RecordWatcherFallback()
	w.log.Warn("native notifications unavailable, polling instead",
		zap.String("root", w.root),
		zap.Duration("poll_min", w.cfg.PollMin),
		zap.Duration("poll_max", w.cfg.PollMax),
		zap.Error(err))
}

// polled receives the changes of one poll.
func (w *Watcher) polled(changed []string) {
	if len(changed) > w.cfg.MaxPending {
		w.send(Signal{Kind: SignalRescan, Root: w.root})
		return
	}
	for _, rel := range changed {
		if !w.send(Signal{Kind: SignalDirty, Root: w.root, Path: rel}) {
			return
		}
	}
}

// flush receives the batches of the debouncer.
func (w *Watcher) flush(paths []string, overflow bool) {
	if overflow {
		w.send(Signal{Kind: SignalRescan, Root: w.root})
		return
	}
	for _, rel := range paths {
		if !w.send(Signal{Kind: SignalDirty, Root: w.root, Path: rel}) {
			return
		}
	}
}

func (w *Watcher) send(s Signal) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.signals <- s:
		metrics.RecordWatcherSignal(s.Kind.String())
		return true
	case <-w.ctx.Done():
		return false
	}
}

// addRecursive registers dir and every directory below it.
func addRecursive(fsw *fsnotify.Watcher, dir string) error {
	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return fsw.Add(path)
	})
}
