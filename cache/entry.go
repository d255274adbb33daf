package cache

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// RootPath is the relative path of a root's own directory entry.
const RootPath = "."

// Kind is the type of a cached filesystem object.
type Kind uint8

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// State is the cleanliness of a cached entry. It is persisted as bit 0 of the
// flags column so the table stays readable with plain SQL.
type State uint8

const (
	// Clean entries were validated by the last scan that read them.
	Clean State = iota
	// Dirty entries, or one of their descendants, changed since they were read.
	Dirty
)

func (s State) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "clean"
}

const flagDirty int64 = 1

func (s State) flags() int64 {
	if s == Dirty {
		return flagDirty
	}
	return 0
}

func stateFromFlags(flags int64) State {
	if flags&flagDirty != 0 {
		return Dirty
	}
	return Clean
}

// Root is one tracked directory tree.
type Root struct {
	ID         int64
	Path       string
	ScanCount  int64
	LastScan   time.Time
	LastPruned time.Time
	Created    time.Time
}

// Entry is the cached metadata for one file or directory of a root.
type Entry struct {
	// Path is slash separated and relative to the root; the root itself is ".".
	Path   string
	Parent string
	Kind   Kind
	// AggregateSize is the file size for files and the sum of all
	// descendant sizes for directories.
	AggregateSize int64
	// ModTime is the modification time in Unix nanoseconds captured when
	// the entry was read.
	ModTime  int64
	State    State
	LastSeen int64

	// ReadSeq is the store sequence observed before the entry was read from
	// disk. A write keeps the dirty state of rows marked after ReadSeq.
	ReadSeq int64
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e.Kind == KindDir
}

// LiveMeta is the metadata of a path as currently seen on disk.
type LiveMeta struct {
	ModTime int64
}

// SkipEligible reports whether a cached entry may stand in for re-reading a
// path. It requires an entry, a clean state and an exactly equal
// modification time.
func SkipEligible(e *Entry, live LiveMeta) bool {
	if e == nil {
		return false
	}
	if e.State != Clean {
		return false
	}
	return e.ModTime == live.ModTime
}

// Rel converts an absolute path under root into the relative form used as a
// cache key.
func Rel(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	return CleanRel(filepath.ToSlash(rel))
}

// CleanRel normalizes a relative path. It rejects paths that leave the root.
func CleanRel(rel string) (string, error) {
	rel = filepath.ToSlash(rel)
	if rel == "" {
		return RootPath, nil
	}
	if path.IsAbs(rel) {
		return "", fmt.Errorf("cache: path %q is not relative", rel)
	}
	rel = path.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("cache: path %q escapes the root", rel)
	}
	return rel, nil
}

// ParentOf returns the parent relative path, or "" for the root.
func ParentOf(rel string) string {
	if rel == RootPath || rel == "" {
		return ""
	}
	dir := path.Dir(rel)
	if dir == "" {
		return RootPath
	}
	return dir
}

// Join joins a parent relative path and a child name.
func Join(parent, name string) string {
	if parent == RootPath || parent == "" {
		return name
	}
	return parent + "/" + name
}

// Ancestors returns rel followed by every ancestor up to and including the
// root.
func Ancestors(rel string) []string {
	out := []string{rel}
	for p := ParentOf(rel); p != ""; p = ParentOf(p) {
		out = append(out, p)
	}
	return out
}

// subtreeBounds returns the exclusive key range holding every descendant of
// rel. Keys under "a/b" sort between "a/b/" and "a/b0" byte-wise.
func subtreeBounds(rel string) (lo, hi string) {
	return rel + "/", rel + "0"
}
