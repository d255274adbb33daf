package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/riadafridishibly/dusk/cache"
	"github.com/riadafridishibly/dusk/internal/config"
	"github.com/riadafridishibly/dusk/internal/logging"
	"github.com/riadafridishibly/dusk/internal/metrics"
	"github.com/riadafridishibly/dusk/scanner"
	"github.com/riadafridishibly/dusk/session"
	"github.com/riadafridishibly/dusk/tui"
	"github.com/riadafridishibly/dusk/watcher"
	"go.uber.org/zap"
)

func tempDir() string {
	if runtime.GOOS == "darwin" {
		return "/tmp"
	}
	return os.TempDir()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "dusk: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}

	clearTarget := flag.String("clear-cache", "", "clear the cache of `PATH` and exit")
	watch := flag.Bool("watch", false, "watch the root and rescan on changes")
	pollSecs := flag.Uint("watch-poll", 0, "initial poll interval in seconds when native notifications are unavailable")
	maxPollSecs := flag.Uint("watch-max-poll", 0, "maximum poll interval in seconds")
	once := flag.Bool("once", false, "scan once, print the largest entries and exit")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on `ADDR`")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.Parse()

	if *pollSecs > 0 {
		cfg.WatchPollMin = time.Duration(*pollSecs) * time.Second
	}
	if *maxPollSecs > 0 {
		cfg.WatchPollMax = time.Duration(*maxPollSecs) * time.Second
	}
	cfg.MetricsAddr = *metricsAddr
	cfg.LogLevel = *logLevel
	cfg.Normalize()

	interactive := *clearTarget == "" && !*once
	logPath := cfg.LogFile
	if logPath == "" {
		logPath = "stderr"
		if interactive {
			logFile, err := os.CreateTemp(tempDir(), "dusk-*.log")
			if err != nil {
				fatalf("create log file: %v", err)
			}
			logFile.Close()
			logPath = logFile.Name()
			fmt.Println("Logfile is being written in:", logPath)
		}
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: logPath}); err != nil {
		fatalf("init logging: %v", err)
	}
	defer logging.Sync()
	log := logging.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.Open(cfg.DBPath(),
		cache.WithMaxBytes(cfg.MaxCacheBytes),
		cache.WithMaxAge(cfg.MaxCacheAge),
		cache.WithPruneEvery(cfg.PruneEvery),
		cache.WithPruneInterval(cfg.PruneInterval),
		cache.WithLogger(logging.Named("cache")),
	)
	if err != nil {
		if cache.IsMigration(err) {
			fatalf("cache %s needs attention: %v", cfg.DBPath(), err)
		}
		fatalf("open cache: %v", err)
	}
	defer store.Close()

	rootDir := ""
	if *clearTarget == "" {
		rootDir, err = rootArg(flag.Args())
		if err != nil {
			fatalf("%v", err)
		}
	}

	if cfg.MetricsAddr != "" && *clearTarget == "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error("metrics server", zap.String("addr", cfg.MetricsAddr), zap.Error(err))
			}
		}()
	}

	uiCfg := tui.DefaultConfig()
	uiCfg.Progress = &tui.Progress{}
	walkOpts := scanner.Options{SameDevice: cfg.SameDevice}
	if interactive {
		walkOpts.Progress = uiCfg.Progress.Observe
	}

	orch := session.New(store, session.Options{
		Walker: walkOpts,
		Watch: watcher.Config{
			Debounce:  cfg.WatchDebounce,
			PollMin:   cfg.WatchPollMin,
			PollMax:   cfg.WatchPollMax,
			ForcePoll: cfg.WatchForcePoll,
		},
		Logger: logging.Named("session"),
	})
	defer orch.Close()

	if *clearTarget != "" {
		if err := clearCache(ctx, orch, *clearTarget); err != nil {
			fatalf("%v", err)
		}
		return
	}

	if *watch {
		w, err := orch.Watch(ctx, rootDir)
		if err != nil {
			fatalf("watch %s: %v", rootDir, err)
		}
		log.Info("watching", zap.String("root", rootDir), zap.Stringer("mode", w.Mode()))
	}

	if *once {
		if err := scanOnce(ctx, orch, store, rootDir); err != nil {
			fatalf("%v", err)
		}
		return
	}

	app, err := tui.NewApp(orch, store, rootDir, uiCfg)
	if err != nil {
		fatalf("%v", err)
	}
	if _, err := orch.StartScan(ctx, rootDir); err != nil {
		fatalf("scan %s: %v", rootDir, err)
	}
	go func() {
		<-ctx.Done()
		app.Stop()
	}()
	if err := app.Run(); err != nil {
		fatalf("run application: %v", err)
	}
}

func rootArg(args []string) (string, error) {
	if len(args) > 1 {
		return "", fmt.Errorf("unexpected arguments: %v", args[1:])
	}
	rootDir := "."
	if len(args) == 1 {
		rootDir = args[0]
	}
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", rootDir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s does not exist", abs)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}

// clearCache deletes the cached entries of one root. Scans of the root in
// this process are stopped first; a scan running in another dusk process is
// not, and the cache is expected to be cleared while no other instance is
// scanning that root.
func clearCache(ctx context.Context, orch *session.Orchestrator, raw string) error {
	canonical, err := session.Canonical(raw)
	if err != nil {
		return fmt.Errorf("failed to canonicalize %s: %w", raw, err)
	}
	n, err := orch.Clear(ctx, canonical)
	if err != nil {
		return err
	}
	if n > 0 {
		fmt.Printf("Cleared cache for %s (%s entries)\n", canonical, humanize.Comma(n))
	} else {
		fmt.Printf("No cache entries for %s\n", canonical)
	}
	return nil
}

func scanOnce(ctx context.Context, orch *session.Orchestrator, store *cache.Store, rootDir string) error {
	s, err := orch.StartScan(ctx, rootDir)
	if err != nil {
		return err
	}
	if err := s.Wait(ctx); err != nil {
		s.Cancel()
		<-s.Done()
	}
	if err := s.Err(); err != nil {
		return err
	}

	children, err := store.Children(context.Background(), s.Root.ID, cache.RootPath)
	if err != nil {
		return err
	}

	st := s.Stats()
	fmt.Printf("%s  %s  (%s, %s files, %s dirs, %s cache hits, %s)\n",
		s.Root.Path,
		humanize.IBytes(uint64(s.Total())),
		s.State(),
		humanize.Comma(st.FilesScanned),
		humanize.Comma(st.DirsScanned),
		humanize.Comma(st.CacheHits),
		s.Elapsed().Round(time.Millisecond),
	)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	for _, e := range children {
		name := filepath.Base(filepath.FromSlash(e.Path))
		if e.IsDir() {
			name += "/"
		}
		marker := ""
		if e.State == cache.Dirty {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t %s%s\n", humanize.IBytes(uint64(e.AggregateSize)), humanize.Time(time.Unix(0, e.ModTime)), name, marker)
	}
	return tw.Flush()
}
