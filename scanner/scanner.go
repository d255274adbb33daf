// Package scanner walks a root directory against the cache and folds the
// resulting event stream into per-directory aggregate sizes.
package scanner

import (
	"fmt"

	"github.com/riadafridishibly/dusk/cache"
)

// EventKind distinguishes walker events.
type EventKind uint8

const (
	// EventFound carries an entry freshly read from disk. Directories are
	// emitted before their children with a zero provisional aggregate.
	EventFound EventKind = iota
	// EventSkipped carries a directory reused from the cache with its stored
	// aggregate. Its subtree is not walked.
	EventSkipped
	// EventError reports a path that could not be read. The walk continues.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventFound:
		return "found"
	case EventSkipped:
		return "skipped"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", k)
	}
}

// Event is one step of a walk.
type Event struct {
	Kind  EventKind
	Entry cache.Entry
	// Path is the relative path the event is about. For EventFound and
	// EventSkipped it equals Entry.Path.
	Path string
	Err  error
}

func found(e cache.Entry) Event {
	return Event{Kind: EventFound, Entry: e, Path: e.Path}
}

func skipped(e cache.Entry) Event {
	return Event{Kind: EventSkipped, Entry: e, Path: e.Path}
}

func failed(rel string, err error) Event {
	return Event{Kind: EventError, Path: rel, Err: err}
}
