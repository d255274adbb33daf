// Package session runs scans of tracked roots. It keeps at most one scan in
// flight per root and turns watcher signals and cache clears into rescans.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/riadafridishibly/dusk/cache"
	"github.com/riadafridishibly/dusk/scanner"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Stats are the counters of one scan.
type Stats struct {
	FilesScanned     int64
	DirsScanned      int64
	CacheHits        int64
	FSErrors         int64
	ValidationErrors int64
}

// Session is one scan of one root.
type Session struct {
	ID      uuid.UUID
	Root    cache.Root
	Started time.Time

	state atomic.Int32

	files, dirs, hits, fsErrors, validation atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	err        error
	mismatches []cache.Mismatch
	agg        *scanner.Aggregator
	total      int64
	finished   time.Time
	final      cache.Root
}

func newSession(parent context.Context, root cache.Root) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:      uuid.New(),
		Root:    root,
		Started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	return Stats{
		FilesScanned:     s.files.Load(),
		DirsScanned:      s.dirs.Load(),
		CacheHits:        s.hits.Load(),
		FSErrors:         s.fsErrors.Load(),
		ValidationErrors: s.validation.Load(),
	}
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel asks the walk to stop at its next directory boundary.
func (s *Session) Cancel() {
	s.cancel()
}

// Err is the failure of a Failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Mismatches are the aggregate mismatches found after a completed scan.
func (s *Session) Mismatches() []cache.Mismatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cache.Mismatch(nil), s.mismatches...)
}

// Total is the root aggregate of a completed scan.
func (s *Session) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Provisional returns the running aggregate of a directory still being
// walked.
func (s *Session) Provisional(rel string) (int64, bool) {
	s.mu.Lock()
	agg := s.agg
	s.mu.Unlock()
	if agg == nil {
		return 0, false
	}
	return agg.Provisional(rel)
}

// Elapsed is the scan's wall time so far, or in total once ended.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished.IsZero() {
		return time.Since(s.Started)
	}
	return s.finished.Sub(s.Started)
}

// finalRoot is the root row as updated at the end of the scan, or the zero
// Root when the scan failed before that.
func (s *Session) finalRoot() cache.Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

func (s *Session) finish(state State, err error) {
	s.mu.Lock()
	s.err = err
	s.finished = time.Now()
	s.agg = nil
	s.mu.Unlock()
	s.state.Store(int32(state))
	s.cancel()
}
