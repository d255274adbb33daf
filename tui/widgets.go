package tui

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/tslocum/cview"
	"github.com/dustin/go-humanize"
	"github.com/riadafridishibly/dusk/cache"
	"github.com/riadafridishibly/dusk/session"
	"github.com/riadafridishibly/dusk/watcher"
	"go.uber.org/zap"
)

func (a *App) IsScanning() bool {
	s := a.orch.Session(a.rootPath)
	return s != nil && s.State() == session.StateScanning
}

func (a *App) startScanning() {
	if _, err := a.orch.StartScan(a.ctx, a.rootPath); err != nil {
		a.footer.SetText(footerStatusError(&a.currentTheme, err))
	}
}

func (a *App) rescan() {
	go func() {
		_, err := a.orch.HandleSignal(a.ctx, watcher.Signal{Kind: watcher.SignalRescan, Root: a.rootPath})
		if err != nil && !errors.Is(err, session.ErrClosed) {
			a.trySendUIUpdate(func() { a.footer.SetText(footerStatusError(&a.currentTheme, err)) })
		}
	}()
}

func (a *App) confirmClearCache() {
	text := fmt.Sprintf("Clear the cache of '%s'?\n\nThe next scan reads every directory again.", a.displayPath(a.rootPath))
	a.confirmModal.SetText(text)
	a.showConfirm = true
	a.setRoot(a.confirmModal, false)
}

func (a *App) clearCache() {
	root := a.displayPath(a.rootPath)
	go func() {
		if _, err := a.orch.ClearCache(a.ctx, a.rootPath); err != nil {
			a.trySendUIUpdate(func() { a.footer.SetText(footerStatusError(&a.currentTheme, err)) })
			return
		}
		a.trySendUIUpdate(func() {
			a.dir = cache.RootPath
			a.reload()
			a.footer.SetText(footerStatusCleared(&a.currentTheme, root))
		})
	}()
}

// displayPath turns a cache-relative path or an absolute one into what the
// table shows.
func (a *App) displayPath(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(a.rootPath, filepath.FromSlash(p))
	}
	if a.cfg.ReplaceHomeWithTilde && a.userHomeDir != "" {
		if after, ok := strings.CutPrefix(p, a.userHomeDir); ok {
			p = "~" + after
		}
	}
	return p
}

// reload reads the current directory's children back from the store.
func (a *App) reload() {
	root, err := a.store.Root(a.ctx, a.rootPath)
	if err != nil {
		a.log.Warn("load root", zap.String("root", a.rootPath), zap.Error(err))
		return
	}
	items, err := a.store.Children(a.ctx, root.ID, a.dir)
	if err != nil {
		a.log.Warn("load children", zap.String("dir", a.dir), zap.Error(err))
		return
	}
	a.items = items
	if e, err := a.store.Lookup(a.ctx, root.ID, cache.RootPath); err == nil && e != nil {
		a.total = e.AggregateSize
	}
	a.buildTable(nil)
}

// refreshSizes redraws the table with the running totals of directories a
// scan has not finished yet.
func (a *App) refreshSizes(s *session.Session) {
	a.buildTable(s)
}

func (a *App) buildTable(s *session.Session) *cview.Table {
	theme := a.currentTheme
	table := a.table
	table.Clear()

	row := 0
	if a.dir != cache.RootPath {
		up := cview.NewTableCell(" ..")
		up.SetTextColor(theme.gray)
		table.SetCell(row, 0, up)
		table.SetCell(row, 1, cview.NewTableCell(""))
		table.SetCell(row, 2, cview.NewTableCell(""))
		row++
	}

	for i := range a.items {
		item := &a.items[i]
		size := item.AggregateSize
		if s != nil && item.IsDir() {
			if p, ok := s.Provisional(item.Path); ok {
				size = p
			}
		}

		// Modified
		modCell := cview.NewTableCell(" " + humanize.Time(time.Unix(0, item.ModTime)))
		modCell.SetTextColor(theme.fg)
		modCell.SetAlign(cview.AlignLeft)
		modCell.SetReference(item)
		table.SetCell(row, 0, modCell)

		// Size
		sizeCell := cview.NewTableCell(fmt.Sprintf(" %s ", humanize.IBytes(uint64(size))))
		sizeCell.SetTextColor(theme.sizeFg)
		sizeCell.SetAlign(cview.AlignRight)
		table.SetCell(row, 1, sizeCell)

		// Name
		name := filepath.Base(filepath.FromSlash(item.Path))
		if item.IsDir() {
			name += "/"
		}
		nameCell := cview.NewTableCell(name)
		nameCell.SetTextColor(theme.fg)
		if item.State == cache.Dirty {
			nameCell.SetText(name + " *")
			nameCell.SetTextColor(theme.red)
		}
		nameCell.SetAlign(cview.AlignLeft)
		nameCell.SetExpansion(1)
		table.SetCell(row, 2, nameCell)
		row++
	}

	table.SetBorder(false)
	table.SetBorders(false)
	table.SetSelectable(true, false)
	table.SetSeparator(' ')

	return table
}

func (a *App) selected() *cache.Entry {
	if a.table == nil {
		return nil
	}
	row, _ := a.table.GetSelection()
	cell := a.table.GetCell(row, 0) // the entry is bound to the first column
	if cell == nil {
		return nil
	}
	item, _ := cell.GetReference().(*cache.Entry)
	return item
}

// open descends into the directory on row, or goes up from the ".." row.
func (a *App) open(row int) {
	if row == 0 && a.dir != cache.RootPath {
		a.up()
		return
	}
	item := a.selected()
	if item == nil || !item.IsDir() {
		return
	}
	a.dir = item.Path
	a.reload()
	a.table.Select(0, 0)
}

func (a *App) up() {
	if a.dir == cache.RootPath {
		return
	}
	child := a.dir
	a.dir = cache.ParentOf(a.dir)
	a.reload()
	offset := 1
	if a.dir == cache.RootPath {
		offset = 0
	}
	for i := range a.items {
		if a.items[i].Path == child {
			a.table.Select(i+offset, 0)
			return
		}
	}
}

func (a *App) showItemDetail() {
	item := a.selected()
	if item == nil {
		return
	}

	var detail strings.Builder
	fmt.Fprintf(&detail, "Path: %s\n", a.displayPath(item.Path))
	fmt.Fprintf(&detail, "Kind: %s\n", item.Kind)
	fmt.Fprintf(&detail, "Size: %s (%s bytes)\n", humanize.IBytes(uint64(item.AggregateSize)), humanize.Comma(item.AggregateSize))
	fmt.Fprintf(&detail, "Last Modified: %s\n", time.Unix(0, item.ModTime).Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&detail, "Last Seen: %s\n", humanize.Time(time.Unix(0, item.LastSeen)))
	fmt.Fprintf(&detail, "State: %s\n", item.State)

	a.detailModal.SetText(detail.String())
	a.showDetail = true
	a.setRoot(a.detailModal, false)
}
