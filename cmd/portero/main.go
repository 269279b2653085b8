// Command portero is the virtual concierge backend: the telephony voice
// bridge, the HTTP API and the device plumbing for one condominium.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/javierd009/agente-portero/internal/api"
	"github.com/javierd009/agente-portero/internal/ari"
	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/internal/directory"
	"github.com/javierd009/agente-portero/internal/fastpath"
	"github.com/javierd009/agente-portero/internal/gate"
	"github.com/javierd009/agente-portero/internal/health"
	"github.com/javierd009/agente-portero/internal/observe"
	"github.com/javierd009/agente-portero/internal/qr"
	"github.com/javierd009/agente-portero/internal/store"
	"github.com/javierd009/agente-portero/internal/store/postgres"
	"github.com/javierd009/agente-portero/internal/tools"
	"github.com/javierd009/agente-portero/internal/transcribe"
	"github.com/javierd009/agente-portero/internal/visits"
	"github.com/javierd009/agente-portero/internal/voice"
	"github.com/javierd009/agente-portero/pkg/isapi"
	"github.com/javierd009/agente-portero/pkg/realtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "portero: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "portero: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("portero starting",
		"config", *configPath,
		"tenant", cfg.Tenant.Name,
		"listen_addr", cfg.Server.ListenAddr,
		"telephony_addr", cfg.Telephony.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "agente-portero",
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Store ─────────────────────────────────────────────────────────────────
	var (
		st store.Store
		pg *postgres.Store
	)
	switch {
	case cfg.Database.DSN != "":
		pg, err = postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			slog.Error("database connect failed", "err", err)
			return 1
		}
		defer pg.Close()
		st = pg
		slog.Info("database connected, schema up to date")
	case cfg.Demo:
		ms := store.NewMemStore()
		if err := ms.SeedDemo(ctx, cfg.Tenant.ID); err != nil {
			slog.Error("demo seed failed", "err", err)
			return 1
		}
		st = ms
		slog.Warn("no database configured, running on the in-memory demo directory")
	default:
		slog.Error("database.dsn is required outside demo mode")
		return 1
	}

	// ── Devices and gate control ──────────────────────────────────────────────
	registry := isapi.NewRegistry()
	opener := gate.New(cfg, registry, st, metrics)

	// ── Health checks ─────────────────────────────────────────────────────────
	var checkers []health.Checker
	if pg != nil {
		checkers = append(checkers, health.Database(pg))
	}
	healthHandler := health.New(checkers...)

	// ── PBX transfer ──────────────────────────────────────────────────────────
	var transfer tools.TransferFunc
	ariClient := ari.New(cfg.ARI)
	if ariClient.Enabled() {
		transfer = ariClient.Redirect
		slog.Info("guard transfer enabled", "ari", cfg.ARI.BaseURL, "extension", cfg.Tenant.GuardExtension)
	}

	// ── Tool runtime and voice bridge ─────────────────────────────────────────
	runtime := tools.New(tools.Config{
		Directory: directory.New(st, directory.NewMatcher()),
		Visits:    visits.New(st),
		Opener:    opener,
		Transfer:  transfer,
		Metrics:   metrics,
		Demo:      cfg.Demo,
	})
	model := realtime.NewClient(cfg.Realtime.URL, cfg.Realtime.APIKey, cfg.Realtime.Model)
	bridge := voice.NewServer(cfg, model, runtime, metrics)

	// ── Transcription ─────────────────────────────────────────────────────────
	var trans *transcribe.Transcriber
	if key := firstNonEmpty(cfg.Transcription.APIKey, cfg.Realtime.APIKey); key != "" {
		trans = transcribe.New(key, cfg.Transcription.Model, cfg.Transcription.Language)
	}

	// ── HTTP API ──────────────────────────────────────────────────────────────
	qrService, err := qr.New(cfg, st, registry, opener, metrics)
	if err != nil {
		slog.Error("qr service init failed", "err", err)
		return 1
	}
	apiServer := api.New(cfg, api.Config{
		Store:       st,
		QR:          qrService,
		FastPath:    fastpath.New(cfg, opener, st, metrics),
		Opener:      opener,
		Registry:    registry,
		Transcriber: trans,
		Health:      healthHandler,
		Metrics:     metrics,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	// Only the log level applies live; everything else is bound at startup
	// and surfaced so the operator knows a restart is due.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.FastPathChanged || d.NoiseGateChanged || d.DevicesChanged {
			slog.Warn("config changed, restart required to apply",
				"fast_path", d.FastPathChanged,
				"noise_gate", d.NoiseGateChanged,
				"devices", d.DevicesChanged)
		}
	})
	if err != nil {
		slog.Error("config watcher failed", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg, pg != nil, trans != nil, ariClient.Enabled())

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bridge.Run(gctx)
	})
	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("portero ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, hasDB, hasSTT, hasARI bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       agente-portero — summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Tenant", cfg.Tenant.Name)
	printRow("HTTP API", cfg.Server.ListenAddr)
	printRow("Telephony", cfg.Telephony.ListenAddr)
	printRow("Model", cfg.Realtime.Model)
	printRow("Database", onOff(hasDB, "postgres", "in-memory demo"))
	printRow("Voice notes", onOff(hasSTT, "enabled", "(disabled)"))
	printRow("Guard transfer", onOff(hasARI, cfg.Tenant.GuardExtension, "(disabled)"))
	printRow("Devices", fmt.Sprintf("%d configured", len(cfg.Devices.All())))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func onOff(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
