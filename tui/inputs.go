package tui

import "github.com/gdamore/tcell/v3"

func (a *App) handleInput(event *tcell.EventKey) *tcell.EventKey {
	if a.showDetail || a.showConfirm || a.showTheme || a.showQuit {
		// vi key binding for modal button selection
		switch event.Str() {
		case "l":
			return tcell.NewEventKey(tcell.KeyRight, tcell.KeyNames[tcell.KeyRight], tcell.ModNone)
		case "h":
			return tcell.NewEventKey(tcell.KeyLeft, tcell.KeyNames[tcell.KeyLeft], tcell.ModNone)
		}

		return event
	}

	switch event.Str() {
	case "s", "S":
		if !a.IsScanning() {
			a.startScanning()
		}
		return nil
	case "r", "R":
		a.rescan()
		return nil
	case "c", "C":
		a.confirmClearCache()
		return nil
	case "q", "Q":
		a.confirmQuit()
		return nil
	case "l":
		row, _ := a.table.GetSelection()
		a.open(row)
		return nil
	case "h":
		a.up()
		return nil
	case "i", "I":
		a.showItemDetail()
	case "t", "T":
		a.showThemeSelector()
	}

	return event
}
