package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Mismatch is a directory whose stored aggregate differs from the sum of its
// recomputed children.
type Mismatch struct {
	Path     string
	Stored   int64
	Computed int64
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: stored %d, children sum %d", m.Path, m.Stored, m.Computed)
}

type validateNode struct {
	kind     Kind
	size     int64
	children []string
}

// ValidateAggregate recomputes every directory aggregate under start bottom
// up from the file sizes below it and returns all mismatches. A directory is
// compared against its children's recomputed totals, so a corrupt row is
// reported once and not again for each ancestor. Each mismatched path and
// its ancestors, the root included, are marked dirty so the next scan
// re-reads them.
func (s *Store) ValidateAggregate(ctx context.Context, rootID int64, start string) ([]Mismatch, error) {
	start, err := CleanRel(start)
	if err != nil {
		return nil, err
	}

	where, args := subtreeWhere("", rootID, start)
	query := `SELECT path, parent, kind, aggregate_size FROM entries WHERE ` + where

	var nodes map[string]*validateNode
	err = s.retry(ctx, "validate aggregate", func() error {
		nodes = make(map[string]*validateNode)
		parents := make(map[string]string)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p      string
				parent sql.NullString
				kind   int64
				size   int64
			)
			if err := rows.Scan(&p, &parent, &kind, &size); err != nil {
				return err
			}
			nodes[p] = &validateNode{kind: Kind(kind), size: size}
			if parent.Valid {
				parents[p] = parent.String
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for p, parent := range parents {
			if n, ok := nodes[parent]; ok && p != start {
				n.children = append(n.children, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var mismatches []Mismatch
	var recompute func(p string) int64
	recompute = func(p string) int64 {
		n := nodes[p]
		if n.kind != KindDir {
			return n.size
		}
		var sum int64
		for _, c := range n.children {
			sum += recompute(c)
		}
		if sum != n.size {
			mismatches = append(mismatches, Mismatch{Path: p, Stored: n.size, Computed: sum})
		}
		return sum
	}
	if _, ok := nodes[start]; ok {
		recompute(start)
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Path < mismatches[j].Path })

	for _, m := range mismatches {
		s.log.Warn("aggregate mismatch",
			zap.Int64("root_id", rootID),
			zap.String("path", m.Path),
			zap.Int64("stored", m.Stored),
			zap.Int64("computed", m.Computed))
		if err := s.MarkAncestorsDirty(ctx, rootID, m.Path); err != nil {
			return mismatches, err
		}
	}
	return mismatches, nil
}
