package watcher

import (
	"sort"
	"sync"
	"time"
)

// Debouncer coalesces change notifications over a fixed window. The first
// path of a batch opens the window; every path added before it closes is
// delivered once when it fires. More than maxPending distinct paths in one
// window turn the batch into an overflow.
type Debouncer struct {
	clock      Clock
	window     time.Duration
	maxPending int
	emit       func(paths []string, overflow bool)

	mu       sync.Mutex
	pending  map[string]struct{}
	overflow bool
	timer    Timer
	stopped  bool
}

// NewDebouncer returns a debouncer calling emit at the end of each window.
// A maxPending of zero means no limit.
func NewDebouncer(clock Clock, window time.Duration, maxPending int, emit func(paths []string, overflow bool)) *Debouncer {
	if clock == nil {
		clock = RealClock
	}
	return &Debouncer{
		clock:      clock,
		window:     window,
		maxPending: maxPending,
		emit:       emit,
		pending:    make(map[string]struct{}),
	}
}

// Add records a change at path.
func (d *Debouncer) Add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if !d.overflow {
		d.pending[path] = struct{}{}
		if d.maxPending > 0 && len(d.pending) > d.maxPending {
			d.overflow = true
			d.pending = make(map[string]struct{})
		}
	}
	d.arm()
}

// Overflow marks the current window as lost, so it fires as an overflow.
func (d *Debouncer) Overflow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.overflow = true
	d.pending = make(map[string]struct{})
	d.arm()
}

// Pending returns the number of distinct paths waiting in the window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop drops anything pending and disarms the timer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = make(map[string]struct{})
	d.overflow = false
}

// arm opens a window unless one is already open. Callers hold mu.
func (d *Debouncer) arm() {
	if d.timer != nil {
		return
	}
	d.timer = d.clock.AfterFunc(d.window, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	overflow := d.overflow
	d.pending = make(map[string]struct{})
	d.overflow = false
	d.timer = nil
	d.mu.Unlock()

	if overflow {
		d.emit(nil, true)
		return
	}
	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	d.emit(paths, false)
}
