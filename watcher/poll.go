package watcher

import (
	"context"
	"io/fs"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/riadafridishibly/dusk/cache"
)

// PollSchedule is the interval state of the polling fallback. Quiet polls
// double the interval up to the maximum; any change resets it to the minimum.
type PollSchedule struct {
	min, max   time.Duration
	interval   time.Duration
	lastChange time.Time
}

// NewPollSchedule returns a schedule starting at min. A min above max is
// clamped to max.
func NewPollSchedule(min, max time.Duration) *PollSchedule {
	if max <= 0 {
		max = DefaultPollMax
	}
	if min <= 0 {
		min = DefaultPollMin
	}
	if min > max {
		min = max
	}
	return &PollSchedule{min: min, max: max, interval: min}
}

// Next is the delay before the next poll.
func (p *PollSchedule) Next() time.Duration {
	return p.interval
}

// Observe feeds the result of one poll into the schedule.
func (p *PollSchedule) Observe(changed bool, now time.Time) {
	if changed {
		p.interval = p.min
		p.lastChange = now
		return
	}
	p.interval *= 2
	if p.interval > p.max {
		p.interval = p.max
	}
}

// LastChange is when a poll last saw a change.
func (p *PollSchedule) LastChange() time.Time {
	return p.lastChange
}

// Bounds returns the configured minimum and maximum.
func (p *PollSchedule) Bounds() (time.Duration, time.Duration) {
	return p.min, p.max
}

type fileStat struct {
	mtime int64
	size  int64
	dir   bool
}

type snapshot map[string]fileStat

// takeSnapshot stats every path under root in parallel.
func takeSnapshot(root string) (snapshot, error) {
	var mu sync.Mutex
	snap := make(snapshot)
	conf := fastwalk.Config{Follow: false, NumWorkers: runtime.NumCPU()}

	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtrees are left to the scanner to report
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := cache.Rel(root, path)
		if err != nil {
			return nil
		}
		st := fileStat{mtime: info.ModTime().UnixNano(), dir: d.IsDir()}
		if !st.dir {
			st.size = info.Size()
		}
		mu.Lock()
		snap[rel] = st
		mu.Unlock()
		return nil
	})
	return snap, err
}

// diff returns the sorted paths that appeared, vanished or changed.
func diff(prev, next snapshot) []string {
	var changed []string
	for rel, st := range next {
		old, ok := prev[rel]
		if !ok || old != st {
			changed = append(changed, rel)
		}
	}
	for rel := range prev {
		if _, ok := next[rel]; !ok {
			changed = append(changed, rel)
		}
	}
	sort.Strings(changed)
	return changed
}

// poller re-stats a tree on a PollSchedule.
type poller struct {
	root  string
	clock Clock
	sched *PollSchedule
	prev  snapshot
	emit  func(changed []string)
	warn  func(error)
}

func newPoller(root string, clock Clock, sched *PollSchedule, emit func([]string), warn func(error)) (*poller, error) {
	snap, err := takeSnapshot(root)
	if err != nil {
		return nil, err
	}
	return &poller{root: root, clock: clock, sched: sched, prev: snap, emit: emit, warn: warn}, nil
}

// check takes one snapshot, reports what changed and updates the schedule.
func (p *poller) check() []string {
	next, err := takeSnapshot(p.root)
	if err != nil {
		p.warn(err)
		p.sched.Observe(false, p.clock.Now())
		return nil
	}
	changed := diff(p.prev, next)
	p.prev = next
	p.sched.Observe(len(changed) > 0, p.clock.Now())
	if len(changed) > 0 {
		p.emit(changed)
	}
	return changed
}

func (p *poller) run(ctx context.Context) {
	for {
		tick, t := after(p.clock, p.sched.Next())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-tick:
			p.check()
		}
	}
}
