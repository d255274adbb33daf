package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	keep := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.timers = keep
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type batch struct {
	paths    []string
	overflow bool
}

type recorder struct {
	mu      sync.Mutex
	batches []batch
}

func (r *recorder) emit(paths []string, overflow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch{paths: paths, overflow: overflow})
}

func (r *recorder) get() []batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]batch(nil), r.batches...)
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	d := NewDebouncer(clock, 100*time.Millisecond, 0, rec.emit)

	for i := 0; i < 5; i++ {
		d.Add("big.iso")
	}
	d.Add("notes.txt")
	assert.Equal(t, 2, d.Pending())

	clock.Advance(99 * time.Millisecond)
	assert.Empty(t, rec.get())

	clock.Advance(time.Millisecond)
	require.Len(t, rec.get(), 1)
	assert.Equal(t, []string{"big.iso", "notes.txt"}, rec.get()[0].paths)
	assert.False(t, rec.get()[0].overflow)
}

func TestDebouncerWindowIsFixed(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	d := NewDebouncer(clock, 100*time.Millisecond, 0, rec.emit)

	d.Add("a")
	clock.Advance(60 * time.Millisecond)
	d.Add("b")
	clock.Advance(40 * time.Millisecond)
	require.Len(t, rec.get(), 1)
	assert.Equal(t, []string{"a", "b"}, rec.get()[0].paths)

	d.Add("c")
	clock.Advance(100 * time.Millisecond)
	require.Len(t, rec.get(), 2)
	assert.Equal(t, []string{"c"}, rec.get()[1].paths)
}

func TestDebouncerKeepsNestedPathsDistinct(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	d := NewDebouncer(clock, 10*time.Millisecond, 0, rec.emit)

	d.Add("d")
	d.Add("d/a")
	clock.Advance(10 * time.Millisecond)
	require.Len(t, rec.get(), 1)
	assert.Equal(t, []string{"d", "d/a"}, rec.get()[0].paths)
}

func TestDebouncerOverflow(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	d := NewDebouncer(clock, 10*time.Millisecond, 3, rec.emit)

	for _, p := range []string{"a", "b", "c", "d", "e"} {
		d.Add(p)
	}
	clock.Advance(10 * time.Millisecond)
	require.Len(t, rec.get(), 1)
	assert.True(t, rec.get()[0].overflow)
	assert.Empty(t, rec.get()[0].paths)

	d.Overflow()
	clock.Advance(10 * time.Millisecond)
	require.Len(t, rec.get(), 2)
	assert.True(t, rec.get()[1].overflow)
}

func TestDebouncerStopDropsPending(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	d := NewDebouncer(clock, 10*time.Millisecond, 0, rec.emit)

	d.Add("a")
	d.Stop()
	clock.Advance(time.Second)
	d.Add("b")
	clock.Advance(time.Second)
	assert.Empty(t, rec.get())
}

func TestPollScheduleGrowsAndResets(t *testing.T) {
	clock := newFakeClock()
	s := NewPollSchedule(time.Second, 8*time.Second)
	assert.Equal(t, time.Second, s.Next())

	var got []time.Duration
	for i := 0; i < 5; i++ {
		s.Observe(false, clock.Now())
		got = append(got, s.Next())
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, got)
	assert.True(t, s.LastChange().IsZero())

	clock.Advance(time.Minute)
	s.Observe(true, clock.Now())
	assert.Equal(t, time.Second, s.Next())
	assert.Equal(t, clock.Now(), s.LastChange())
}

func TestPollScheduleClampsMinToMax(t *testing.T) {
	s := NewPollSchedule(30*time.Second, 10*time.Second)
	assert.Equal(t, 10*time.Second, s.Next())
	lo, hi := s.Bounds()
	assert.Equal(t, 10*time.Second, lo)
	assert.Equal(t, 10*time.Second, hi)
}

func TestPollerReportsChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "grow"), []byte("x"), 0o644))

	clock := newFakeClock()
	sched := NewPollSchedule(time.Second, 4*time.Second)
	var emitted [][]string
	p, err := newPoller(dir, clock, sched, func(c []string) { emitted = append(emitted, c) }, func(error) {})
	require.NoError(t, err)

	assert.Empty(t, p.check())
	assert.Equal(t, 2*time.Second, sched.Next())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "grow"), []byte("xxxx"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new"), []byte("y"), 0o644))

	changed := p.check()
	assert.Contains(t, changed, "grow")
	assert.Contains(t, changed, "new")
	assert.NotContains(t, changed, "keep")
	assert.Equal(t, time.Second, sched.Next())
	require.Len(t, emitted, 1)

	require.NoError(t, os.Remove(filepath.Join(dir, "new")))
	assert.Contains(t, p.check(), "new")
}

func drainUntil(t *testing.T, w *Watcher, advance func(), match func(Signal) bool) Signal {
	t.Helper()
	var got Signal
	require.Eventually(t, func() bool {
		if advance != nil {
			advance()
		}
		for {
			select {
			case s, ok := <-w.Signals():
				if !ok {
					return false
				}
				if match(s) {
					got = s
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestWatcherPollingEmitsDirty(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	w := New(dir, Config{ForcePoll: true, PollMin: time.Second, PollMax: 4 * time.Second}, WithClock(clock))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Equal(t, ModePoll, w.Mode())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.bin"), []byte("data"), 0o644))

	s := drainUntil(t, w, func() { clock.Advance(4 * time.Second) }, func(s Signal) bool {
		return s.Path == "new.bin"
	})
	assert.Equal(t, SignalDirty, s.Kind)
	assert.Equal(t, dir, s.Root)
}

func TestWatcherPollingCollapsesLargeChangeSets(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	w := New(dir, Config{ForcePoll: true, PollMin: time.Second, PollMax: time.Second, MaxPending: 2}, WithClock(clock))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	s := drainUntil(t, w, func() { clock.Advance(time.Second) }, func(s Signal) bool {
		return s.Kind == SignalRescan
	})
	assert.Equal(t, dir, s.Root)
}

func TestWatcherNativeEmitsDirty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	w := New(dir, Config{Debounce: 20 * time.Millisecond, PollMin: time.Second, PollMax: time.Second})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	if w.Mode() != ModeNative {
		t.Skip("native notifications unavailable")
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "x"), []byte("1"), 0o644))
	s := drainUntil(t, w, nil, func(s Signal) bool { return s.Path == "sub/x" })
	assert.Equal(t, SignalDirty, s.Kind)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "fresh"), 0o755))
	drainUntil(t, w, nil, func(s Signal) bool { return s.Path == "fresh" })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fresh", "y"), []byte("2"), 0o644))
	drainUntil(t, w, nil, func(s Signal) bool { return s.Path == "fresh/y" })
}

func TestWatcherStopClosesSignals(t *testing.T) {
	w := New(t.TempDir(), Config{ForcePoll: true}, WithClock(newFakeClock()))
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()

	_, ok := <-w.Signals()
	assert.False(t, ok)
	assert.Equal(t, ModeStopped, w.Mode())
}

func startNative(t *testing.T, dir string, clock *fakeClock) *Watcher {
	t.Helper()
	w := New(dir, Config{Debounce: time.Second, PollMin: time.Second, PollMax: time.Second}, WithClock(clock))
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	if w.Mode() != ModeNative {
		t.Skip("native notifications unavailable")
	}
	return w
}

func TestWatcherNativeErrorFallsBackToPolling(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	w := startNative(t, dir, clock)

	w.fsw.Errors <- errors.New("inotify queue broken")

	s := drainUntil(t, w, nil, func(s Signal) bool { return s.Kind == SignalRescan })
	assert.Equal(t, dir, s.Root)
	assert.Empty(t, s.Path)
	assert.Equal(t, ModePoll, w.Mode())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "after.bin"), []byte("x"), 0o644))
	s = drainUntil(t, w, func() { clock.Advance(time.Second) }, func(s Signal) bool {
		return s.Path == "after.bin"
	})
	assert.Equal(t, SignalDirty, s.Kind)
}

func TestWatcherNativeOverflowRequestsRescan(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	w := startNative(t, dir, clock)

	w.fsw.Errors <- fsnotify.ErrEventOverflow

	s := drainUntil(t, w, func() { clock.Advance(time.Second) }, func(s Signal) bool {
		return s.Kind == SignalRescan
	})
	assert.Equal(t, dir, s.Root)
	assert.Equal(t, ModeNative, w.Mode())
}
