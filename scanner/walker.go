package scanner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/riadafridishibly/dusk/cache"
	"github.com/riadafridishibly/dusk/internal/logging"
	"go.uber.org/zap"
)

const eventBuffer = 256

var errStop = errors.New("walk stopped")

// Options tunes a Walker.
type Options struct {
	// SameDevice keeps the walk on the root's filesystem, like du -x.
	SameDevice bool
	// Progress is called with each directory's relative path before the
	// directory is checked against the cache or listed.
	Progress func(rel string)
}

// Walker traverses a root depth first, reusing clean cached directories.
type Walker struct {
	store *cache.Store
	opts  Options
	log   *zap.Logger
}

// NewWalker returns a walker reading cache state from store.
func NewWalker(store *cache.Store, opts Options) *Walker {
	return &Walker{
		store: store,
		opts:  opts,
		log:   logging.Named("walker"),
	}
}

// Walk starts walking root and returns its event stream. The channel is
// closed when the walk ends or ctx is cancelled. Cancellation is checked at
// every directory boundary; once seen, no further events are sent.
func (w *Walker) Walk(ctx context.Context, root cache.Root) <-chan Event {
	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)

		t := &walk{Walker: w, ctx: ctx, rootID: root.ID, events: events}
		info, err := os.Lstat(root.Path)
		if err != nil {
			t.send(failed(cache.RootPath, err))
			return
		}
		if !info.IsDir() {
			t.send(failed(cache.RootPath, &fs.PathError{Op: "walk", Path: root.Path, Err: errors.New("not a directory")}))
			return
		}
		if dev, ok := deviceID(info); ok {
			t.dev, t.checkDev = dev, w.opts.SameDevice
		}
		if err := t.dir(root.Path, cache.RootPath, info); err != nil && !errors.Is(err, errStop) {
			w.log.Debug("walk ended", zap.String("root", root.Path), zap.Error(err))
		}
	}()
	return events
}

type walk struct {
	*Walker
	ctx      context.Context
	rootID   int64
	events   chan<- Event
	dev      uint64
	checkDev bool
}

func (t *walk) send(ev Event) error {
	if t.ctx.Err() != nil {
		return errStop
	}
	select {
	case t.events <- ev:
		return nil
	case <-t.ctx.Done():
		return errStop
	}
}

func (t *walk) dir(abs, rel string, info fs.FileInfo) error {
	if t.ctx.Err() != nil {
		return errStop
	}
	if t.opts.Progress != nil {
		t.opts.Progress(rel)
	}
	if t.ctx.Err() != nil {
		return errStop
	}

	// Captured before the cache is consulted so a dirty mark landing while
	// this directory is read survives the write of its entry.
	readSeq := t.store.Seq()
	mtime := info.ModTime().UnixNano()

	cached, err := t.store.Lookup(t.ctx, t.rootID, rel)
	if err != nil {
		t.send(failed(rel, err))
		return errStop
	}
	if cached != nil && cached.IsDir() && cache.SkipEligible(cached, cache.LiveMeta{ModTime: mtime}) {
		return t.send(skipped(*cached))
	}

	if err := t.send(found(cache.Entry{
		Path:    rel,
		Parent:  cache.ParentOf(rel),
		Kind:    cache.KindDir,
		ModTime: mtime,
		ReadSeq: readSeq,
	})); err != nil {
		return err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return t.send(failed(rel, err))
	}

	for _, de := range entries {
		childRel := cache.Join(rel, de.Name())
		childAbs := filepath.Join(abs, de.Name())

		ci, err := de.Info()
		if err != nil {
			if err := t.send(failed(childRel, err)); err != nil {
				return err
			}
			continue
		}

		switch {
		case ci.IsDir():
			if t.checkDev {
				if dev, ok := deviceID(ci); ok && dev != t.dev {
					continue
				}
			}
			if err := t.dir(childAbs, childRel, ci); err != nil {
				return err
			}
		case ci.Mode().IsRegular():
			err := t.send(found(cache.Entry{
				Path:          childRel,
				Parent:        rel,
				Kind:          cache.KindFile,
				AggregateSize: ci.Size(),
				ModTime:       ci.ModTime().UnixNano(),
				ReadSeq:       readSeq,
			}))
			if err != nil {
				return err
			}
		default:
			// symlinks, sockets, devices and pipes hold no inventory bytes
		}
	}
	return nil
}
