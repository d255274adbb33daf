package tui

import (
	"context"
	"fmt"
	"os"

	"codeberg.org/tslocum/cview"
	"github.com/riadafridishibly/dusk/cache"
	"github.com/riadafridishibly/dusk/internal/logging"
	"github.com/riadafridishibly/dusk/session"
	"go.uber.org/zap"
)

type App struct {
	app   *cview.Application
	orch  *session.Orchestrator
	store *cache.Store
	cfg   Config
	log   *zap.Logger

	header       *cview.TextView
	footer       *cview.TextView
	table        *cview.Table
	panels       *cview.Panels
	layout       *cview.Flex
	detailModal  *cview.Modal
	confirmModal *cview.Modal
	themeModal   *cview.Modal
	quitModal    *cview.Modal

	rootPath string
	// dir is the cache-relative directory shown in the table.
	dir   string
	items []cache.Entry
	total int64

	showDetail  bool
	showConfirm bool
	showTheme   bool
	showQuit    bool

	uiUpdates chan func()

	userHomeDir  string
	currentTheme Theme

	ctx    context.Context
	cancel context.CancelFunc
}

func defaultTheme(name string) Theme {
	if th, ok := themes[name]; ok {
		return th
	}
	return themes[fallbackTheme]
}

func (a *App) switchTheme(themeName string) {
	if th, ok := themes[themeName]; ok {
		a.currentTheme = th
	}
}

func (a *App) applyTheme() {
	theme := a.currentTheme

	a.header.SetBackgroundColor(theme.headerBg)
	a.header.SetTitleColor(theme.headerFg)
	a.header.SetTextColor(theme.headerFg)

	a.footer.SetBackgroundColor(theme.footerBg)
	a.footer.SetTitleColor(theme.footerFg)
	a.footer.SetTextColor(theme.footerFg)

	for _, m := range []*cview.Modal{a.detailModal, a.confirmModal, a.themeModal, a.quitModal} {
		m.SetBackgroundColor(theme.modalBg)
		m.SetTextColor(theme.modalFg)
		m.SetButtonBackgroundColor(theme.buttonBg)
		m.SetButtonTextColor(theme.buttonFg)
	}

	a.table.SetBackgroundColor(theme.bg)
	a.panels.SetBackgroundColor(theme.bg)

	a.trySendUIUpdate(func() {
		a.updateFinalStatus(a.orch.Session(a.rootPath))
		a.buildTable(nil)
	})
}

// NewApp builds the inventory view of rootPath. Scans go through orch and the
// table is read back from store.
func NewApp(orch *session.Orchestrator, store *cache.Store, rootPath string, cfg Config) (*App, error) {
	canonical, err := session.Canonical(rootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", rootPath, err)
	}

	app := cview.NewApplication()
	theme := defaultTheme(cfg.Theme)

	header := cview.NewTextView()
	header.SetDynamicColors(true)

	footer := cview.NewTextView()
	footer.SetDynamicColors(true)

	detailModal := cview.NewModal()
	detailModal.SetText("")
	detailModal.AddButtons([]string{"Okay"})

	confirmModal := cview.NewModal()
	confirmModal.SetText("")
	confirmModal.AddButtons([]string{"Clear", "Cancel"})

	themeModal := cview.NewModal()
	themeModal.SetText("")
	themeNames := getThemeNames()
	themeModal.AddButtons(themeNames)

	quitModal := cview.NewModal()
	quitModal.SetText("")
	quitModal.AddButtons([]string{"Wait", "Stop and Quit"})

	panels := cview.NewPanels()
	table := cview.NewTable()
	panels.AddPanel("table", table, true, true)

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		app:          app,
		orch:         orch,
		store:        store,
		cfg:          cfg,
		log:          logging.Named("tui"),
		header:       header,
		footer:       footer,
		detailModal:  detailModal,
		confirmModal: confirmModal,
		themeModal:   themeModal,
		quitModal:    quitModal,
		rootPath:     canonical,
		dir:          cache.RootPath,
		panels:       panels,
		table:        table,
		uiUpdates:    make(chan func(), 128),
		currentTheme: theme,
		ctx:          ctx,
		cancel:       cancel,
	}

	flex := cview.NewFlex()
	flex.SetDirection(cview.FlexRow)
	flex.AddItem(header, 1, 0, false)
	flex.AddItem(panels, 0, 1, true)
	flex.AddItem(footer, 1, 0, false)
	a.layout = flex

	app.SetInputCapture(a.handleInput)
	table.SetSelectedFunc(func(row, _ int) { a.open(row) })

	detailModal.SetDoneFunc(func(_ int, _ string) {
		a.showDetail = false
		a.setRoot(flex, true)
	})

	confirmModal.SetDoneFunc(func(_ int, buttonLabel string) {
		a.showConfirm = false
		a.setRoot(flex, true)

		if buttonLabel == "Clear" {
			a.clearCache()
		}
	})

	themeModal.SetDoneFunc(func(buttonIndex int, buttonLabel string) {
		a.showTheme = false
		a.setRoot(flex, true)

		if buttonIndex >= 0 && buttonIndex < len(themeNames) {
			a.switchTheme(buttonLabel)
			a.applyTheme()
		}
	})

	quitModal.SetDoneFunc(func(_ int, buttonLabel string) {
		a.showQuit = false
		a.setRoot(flex, true)

		if buttonLabel == "Stop and Quit" {
			a.Stop()
			a.app.Stop()
		}
	})

	if home, err := os.UserHomeDir(); err == nil {
		a.userHomeDir = home
	} else {
		a.log.Warn("home directory unavailable", zap.Error(err))
	}

	header.SetTextAlign(cview.AlignCenter)
	header.SetText(headerStartupStatus(&theme, a.displayPath(a.rootPath)))
	footer.SetTextAlign(cview.AlignCenter)
	footer.SetText(footerStatusMenu(&theme))

	a.setRoot(flex, true)
	a.applyTheme()
	a.trySendUIUpdate(a.reload)

	return a, nil
}

func (a *App) showThemeSelector() {
	if a.themeModal == nil {
		return
	}
	theme := a.currentTheme
	text := fmt.Sprintf("Select Theme (Current: [%s]%s[-])", theme.orange.String(), theme.Name)
	a.themeModal.SetText(text)
	a.showTheme = true
	a.setRoot(a.themeModal, false)
}

func (a *App) confirmQuit() {
	s := a.orch.Session(a.rootPath)
	if s == nil || s.State().Terminal() {
		a.Stop()
		a.app.Stop()
		return
	}
	a.quitModal.SetText("A scan is still running.\n\nEntries read so far stay cached.")
	a.showQuit = true
	a.setRoot(a.quitModal, false)
}

// Stop cancels the UI's background work. Scans are owned by the
// orchestrator and stop when it is closed.
func (a *App) Stop() {
	a.cancel()
}

func (a *App) Run() error {
	a.log.Debug("starting ui", zap.String("root", a.rootPath), zap.String("theme", a.currentTheme.Name))
	go func() {
		for updateFn := range a.uiUpdates {
			a.app.QueueUpdateDraw(updateFn)
		}
	}()
	go a.followSessions(a.ctx)
	return a.app.Run()
}
