package tui

import (
	"fmt"
	"time"

	"codeberg.org/tslocum/cview"
	"github.com/dustin/go-humanize"
	"github.com/riadafridishibly/dusk/session"
)

func headerStartupStatus(theme *Theme, root string) string {
	return fmt.Sprintf("[%s] dusk: %s (press s to scan)", theme.headerFg.String(), root)
}

func footerStatusMenu(_ *Theme) string {
	return " [s]: Scan  [r]: Rescan  [c]: Clear Cache  ↑/↓: Navigate  l/Enter: Open  h: Up  i: Details  t: Theme  [q]: Quit"
}

func footerStatusCleared(theme *Theme, root string) string {
	return fmt.Sprintf(" [%s]Cache cleared: [-]%s", theme.yellow.String(), root)
}

func footerStatusError(theme *Theme, err error) string {
	return fmt.Sprintf(" [%s]Error: [-]%v", theme.red.String(), err)
}

func (a *App) updateFinalStatus(s *session.Session) {
	if s == nil {
		a.header.SetText(headerStartupStatus(&a.currentTheme, a.displayPath(a.rootPath)))
		return
	}

	st := s.Stats()
	status := fmt.Sprintf(" %s | Total: %s | Files: %s | Dirs: %s | Cache hits: %s | Errors: %d | Elapsed: %s ",
		s.State(),
		humanize.IBytes(uint64(a.total)),
		humanize.Comma(st.FilesScanned),
		humanize.Comma(st.DirsScanned),
		humanize.Comma(st.CacheHits),
		st.FSErrors+st.ValidationErrors,
		s.Elapsed().Round(time.Millisecond),
	)
	a.header.SetText(status)
	a.header.SetTextAlign(cview.AlignCenter)

	if err := s.Err(); err != nil {
		a.footer.SetText(footerStatusError(&a.currentTheme, err))
		return
	}
	a.footer.SetText(footerStatusMenu(&a.currentTheme))
	a.footer.SetTextAlign(cview.AlignCenter)
}

func (a *App) updateProgressStatus(s *session.Session, path string) {
	st := s.Stats()
	a.header.SetText(fmt.Sprintf(" scanning | Files: %s | Dirs: %s | Cache hits: %s | Elapsed: %s ",
		humanize.Comma(st.FilesScanned),
		humanize.Comma(st.DirsScanned),
		humanize.Comma(st.CacheHits),
		s.Elapsed().Round(time.Second),
	))

	if path == "" {
		return
	}
	scanPath := a.displayPath(path)
	w, _ := a.app.GetScreenSize()
	w = w - 10
	if w > 0 && len(scanPath) > w {
		scanPath = "..." + scanPath[len(scanPath)-w:]
	}
	a.footer.SetText(fmt.Sprintf(" [%s]Scanning: [-]%s", a.currentTheme.headerBg.String(), scanPath))
}
