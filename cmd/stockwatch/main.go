package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/use-agent/stockwatch/api"
	"github.com/use-agent/stockwatch/cache"
	"github.com/use-agent/stockwatch/catalog"
	"github.com/use-agent/stockwatch/config"
	"github.com/use-agent/stockwatch/engine"
	"github.com/use-agent/stockwatch/parser"
	"github.com/use-agent/stockwatch/scheduler"
	"github.com/use-agent/stockwatch/scraper"
	"github.com/use-agent/stockwatch/webhook"
)

func main() {
	location := flag.String("location", "", "check a single location (key or storage id)")
	locations := flag.String("locations", "", "comma-separated locations, overrides the location source")
	once := flag.Bool("once", false, "run one cycle, print results as JSON and exit")
	envFile := flag.String("env-file", envOr("CHECKER_ENV_FILE", ".env"), "dotenv file to load")
	flag.Parse()

	// ── 1. Load configuration ───────────────────────────────────────
	if err := config.LoadEnvFile(*envFile); err != nil {
		slog.Error("failed to load env file", "path", *envFile, "error", err)
		os.Exit(1)
	}
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	overrides := splitList(*locations)
	if *location != "" {
		overrides = append([]string{*location}, overrides...)
	}

	// ── 3. Wire components ──────────────────────────────────────────
	cat := catalog.Default()
	launcher, err := engine.NewLauncher(cfg.Browser)
	if err != nil {
		slog.Error("failed to create launcher", "error", err)
		os.Exit(1)
	}
	batch := scraper.NewFromConfig(cfg, launcher, parser.Default())
	sink := webhook.NewClient(cfg.Sink)
	results := cache.New(cfg.Cache.TTL)
	defer results.Stop()

	sched := scheduler.New(scheduler.OptionsFromConfig(cfg.Scheduler, overrides), cat, batch, sink, sink, results)

	slog.Info("stockwatch starting",
		"backend", launcher.Name(),
		"server", cfg.Sink.ServerURL,
		"recycle_every", cfg.Batch.RecycleEvery,
		"once", *once,
	)

	// ── 4. Signal-driven shutdown ───────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		os.Exit(runOnce(ctx, sched))
	}

	// ── 5. Optional status server ───────────────────────────────────
	var srv *http.Server
	if cfg.Status.Enabled {
		srv = &http.Server{
			Addr:              cfg.Status.Addr,
			Handler:           api.NewRouter(sched, results, cat, cfg, time.Now()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("status server listening", "addr", cfg.Status.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("status server error", "error", err)
			}
		}()
	}

	// ── 6. Poll until a signal arrives ──────────────────────────────
	if err := sched.Run(ctx); err != nil {
		slog.Error("scheduler error", "error", err)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("status server forced shutdown", "error", err)
		}
	}
	slog.Info("stockwatch stopped")
}

func runOnce(ctx context.Context, sched *scheduler.Scheduler) int {
	res, err := sched.RunOnce(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		slog.Error("failed to write results", "error", encErr)
		return 1
	}
	if err != nil {
		slog.Error("batch failed", "error", err)
		return 1
	}
	return 0
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	// Results go to stdout in -once mode, so logs use stderr.
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
