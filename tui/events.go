package tui

import (
	"context"
	"sync/atomic"
	"time"

	"codeberg.org/tslocum/cview"
	"github.com/google/uuid"
	"github.com/riadafridishibly/dusk/session"
)

// Progress records the directory a walk is entering. Observe is meant to be
// installed as the walker's progress hook.
type Progress struct {
	current atomic.Pointer[string]
}

func (p *Progress) Observe(rel string) {
	p.current.Store(&rel)
}

func (p *Progress) Current() string {
	if p == nil {
		return ""
	}
	if s := p.current.Load(); s != nil {
		return *s
	}
	return ""
}

func (a *App) trySendUIUpdate(f func()) {
	select {
	case a.uiUpdates <- f:
	default:
	}
}

// setRoot queues a SetRoot operation to avoid data races
func (a *App) setRoot(primitive cview.Primitive, focus bool) {
	a.app.QueueUpdateDraw(func() {
		a.app.SetRoot(primitive, focus)
	})
}

// followSessions polls the orchestrator for the root's current session. While
// a scan runs it refreshes the progress line; when a session ends it reloads
// the table from the store.
func (a *App) followSessions(ctx context.Context) {
	freq := a.cfg.ProgressUpdateFreq
	if freq <= 0 {
		freq = 150 * time.Millisecond
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	var (
		lastID    uuid.UUID
		lastState session.State
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s := a.orch.Session(a.rootPath)
		if s == nil {
			continue
		}
		state := s.State()
		switch {
		case state == session.StateScanning:
			path := a.cfg.Progress.Current()
			a.trySendUIUpdate(func() {
				a.updateProgressStatus(s, path)
				a.refreshSizes(s)
			})
		case s.ID != lastID || state != lastState:
			a.trySendUIUpdate(func() {
				a.reload()
				a.updateFinalStatus(s)
			})
		}
		lastID, lastState = s.ID, state
	}
}
