package tui

import (
	"sort"

	"github.com/gdamore/tcell/v3"
)

const fallbackTheme = "dusk"

// Theme holds the colors of every widget role.
type Theme struct {
	Name     string
	bg       tcell.Color
	fg       tcell.Color
	red      tcell.Color
	yellow   tcell.Color
	orange   tcell.Color
	gray     tcell.Color
	headerBg tcell.Color
	headerFg tcell.Color
	footerBg tcell.Color
	footerFg tcell.Color
	sizeFg   tcell.Color
	buttonBg tcell.Color
	buttonFg tcell.Color
	modalBg  tcell.Color
	modalFg  tcell.Color
}

// palette is the handful of base colors a theme is derived from.
type palette struct {
	base    int32 // background
	surface int32 // bars
	text    int32
	muted   int32
	accent  int32 // header and buttons
	size    int32
	warn    int32 // running scans
	alert   int32 // dirty entries and errors
}

func newTheme(name string, p palette) Theme {
	c := tcell.NewHexColor
	return Theme{
		Name:     name,
		bg:       c(p.base),
		fg:       c(p.text),
		red:      c(p.alert),
		yellow:   c(p.size),
		orange:   c(p.warn),
		gray:     c(p.muted),
		headerBg: c(p.accent),
		headerFg: c(p.base),
		footerBg: c(p.surface),
		footerFg: c(p.text),
		sizeFg:   c(p.size),
		buttonBg: c(p.accent),
		buttonFg: c(p.base),
		modalBg:  c(p.base),
		modalFg:  c(p.text),
	}
}

var themes = map[string]Theme{
	"dusk": newTheme("Dusk", palette{
		base: 0x1b1d2b, surface: 0x2a2d3e, text: 0xd6d9e6, muted: 0x6c7086,
		accent: 0xc08ad8, size: 0xf2b880, warn: 0xe8915b, alert: 0xe06c75,
	}),
	"gruvbox-dark": newTheme("Gruvbox Dark", palette{
		base: 0x282828, surface: 0x3c3836, text: 0xebdbb2, muted: 0x928374,
		accent: 0xd65d0e, size: 0xd79921, warn: 0xd65d0e, alert: 0xcc241d,
	}),
	"nord": newTheme("Nord", palette{
		base: 0x2e3440, surface: 0x434c5e, text: 0xd8dee9, muted: 0x4c566a,
		accent: 0x81a1c1, size: 0xebcb8b, warn: 0xd08770, alert: 0xbf616a,
	}),
	"solarized-light": newTheme("Solarized Light", palette{
		base: 0xfdf6e3, surface: 0xeee8d5, text: 0x586e75, muted: 0x93a1a1,
		accent: 0x268bd2, size: 0xb58900, warn: 0xcb4b16, alert: 0xdc322f,
	}),
}

func getThemeNames() []string {
	names := make([]string, 0, len(themes))
	for n := range themes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
