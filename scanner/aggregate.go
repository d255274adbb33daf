package scanner

import (
	"context"
	"sync"

	"github.com/riadafridishibly/dusk/cache"
)

type frame struct {
	entry cache.Entry
	size  int64
}

// Aggregator folds a walk's event stream into directory aggregates. It keeps
// the chain of directories still being walked; a directory is finalized and
// written as soon as an event arrives outside of it, so every child row is
// queued before its parent's.
type Aggregator struct {
	store  *cache.Store
	writer *cache.ScanWriter

	mu    sync.Mutex
	stack []*frame
	total int64
	done  bool
}

// NewAggregator returns an aggregator writing finalized entries through w.
func NewAggregator(store *cache.Store, w *cache.ScanWriter) *Aggregator {
	return &Aggregator{store: store, writer: w}
}

// Add applies one event. Errors come only from the scan writer.
func (a *Aggregator) Add(ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Kind {
	case EventFound:
		if err := a.unwind(ev.Entry.Parent); err != nil {
			return err
		}
		if ev.Entry.IsDir() {
			a.stack = append(a.stack, &frame{entry: ev.Entry})
			return nil
		}
		a.addToTop(ev.Entry.AggregateSize)
		return a.writer.Put(ev.Entry)

	case EventSkipped:
		if err := a.unwind(ev.Entry.Parent); err != nil {
			return err
		}
		a.addToTop(ev.Entry.AggregateSize)
		return a.writer.Touch(ev.Entry.Path)

	case EventError:
		// A directory that could not be listed is left out of its parent.
		if top := a.top(); top != nil && top.entry.Path == ev.Path {
			a.stack = a.stack[:len(a.stack)-1]
		}
	}
	return nil
}

// Provisional returns the running aggregate of a directory still being
// walked.
func (a *Aggregator) Provisional(rel string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.stack {
		if f.entry.Path == rel {
			return f.size, true
		}
	}
	return 0, false
}

// Total is the root aggregate once the walk is closed.
func (a *Aggregator) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Close finalizes every open directory of a completed walk and flushes.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return nil
	}
	a.done = true
	if err := a.unwind(""); err != nil {
		return err
	}
	return a.writer.Flush()
}

// Abort ends a cancelled walk. Directories finalized so far stay written; the
// directories still open are marked dirty since their aggregates are partial.
func (a *Aggregator) Abort(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return nil
	}
	a.done = true
	if err := a.writer.Flush(); err != nil {
		return err
	}
	top := a.top()
	a.stack = nil
	if top == nil {
		return nil
	}
	return a.store.MarkAncestorsDirty(ctx, a.writer.Root().ID, top.entry.Path)
}

func (a *Aggregator) top() *frame {
	if len(a.stack) == 0 {
		return nil
	}
	return a.stack[len(a.stack)-1]
}

func (a *Aggregator) addToTop(n int64) {
	if top := a.top(); top != nil {
		top.size += n
		return
	}
	a.total += n
}

// unwind finalizes open directories until parent is on top.
func (a *Aggregator) unwind(parent string) error {
	for {
		top := a.top()
		if top == nil || top.entry.Path == parent {
			return nil
		}
		a.stack = a.stack[:len(a.stack)-1]
		top.entry.AggregateSize = top.size
		if err := a.writer.Put(top.entry); err != nil {
			return err
		}
		a.addToTop(top.size)
	}
}
