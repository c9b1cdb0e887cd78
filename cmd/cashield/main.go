// Command cashield is the entry point of the CaShield customer-harassment
// monitor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/cashield/internal/app"
	"github.com/MrWong99/cashield/internal/config"
	"github.com/MrWong99/cashield/internal/kws"
	"github.com/MrWong99/cashield/internal/observe"
	"github.com/MrWong99/cashield/pkg/audio/portaudio"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available input devices and exit")
	backfill := flag.String("backfill", "", "summarize unsummarized hits of the given dates (YYYY-MM-DD, comma separated, or \"all\") and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cashield: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cashield: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("cashield starting",
		"version", version,
		"config", *configPath,
		"device", cfg.Audio.Device,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	// The monitor usually runs from a terminal on the register; closing it
	// must not stop capture.
	signal.Ignore(syscall.SIGHUP)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cashield",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	words, err := config.LoadKeywords(cfg.KWS.KeywordsFile)
	if err != nil {
		slog.Error("failed to load keywords", "err", err)
		return 1
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, kws.Texts(words))

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	if *backfill != "" {
		return runBackfill(ctx, cfg, providers, &level, *backfill)
	}

	src, err := portaudio.New(cfg.Audio.SampleRate)
	if err != nil {
		slog.Error("failed to initialise audio capture", "err", err)
		return 1
	}
	providers.Source = src

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, len(words))

	application, err := app.New(ctx, cfg, providers, app.WithLevelVar(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = src.Close()
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.Reload,
		config.WithKeywordHandler(application.ReloadKeywords))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("monitor ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ASR.ShutdownTimeout+15*time.Second)
	defer cancel()

	slog.Info("stopping, draining pending transcriptions and summaries")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// runBackfill summarizes the hits of the requested dates without capturing
// audio.
func runBackfill(ctx context.Context, cfg *config.Config, providers *app.Providers, level *slog.LevelVar, spec string) int {
	application, err := app.New(ctx, cfg, providers, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	var dates []string
	if spec == "all" {
		if dates, err = application.Log().Dates(); err != nil {
			slog.Error("failed to list log dates", "err", err)
			return 1
		}
	} else {
		for d := range strings.SplitSeq(spec, ",") {
			if d = strings.TrimSpace(d); d != "" {
				dates = append(dates, d)
			}
		}
	}

	n, err := application.Backfill(ctx, dates...)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := application.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("shutdown error", "err", serr)
	}
	if err != nil {
		slog.Error("backfill failed", "jobs", n, "err", err)
		return 1
	}
	slog.Info("backfill complete", "jobs", n, "dates", len(dates))
	return 0
}

// printDevices lists capture devices for the audio.device setting.
func printDevices() int {
	src, err := portaudio.New(16000)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cashield: %v\n", err)
		return 1
	}
	defer src.Close()

	devices, err := portaudio.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cashield: %v\n", err)
		return 1
	}
	for _, d := range devices {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Printf("%s %3d  %-40s  %d ch  %.0f Hz\n", mark, d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, keywords int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        CaShield: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Device", orDefault(cfg.Audio.Device, "(default)"))
	printProvider("ASR fast", cfg.ASR.Fast.Name, cfg.ASR.Fast.Model)
	printProvider("ASR final", cfg.ASR.Final.Name, cfg.ASR.Final.Model)
	if cfg.Summarizer.Disabled {
		printRow("Summarizer", "(disabled)")
	} else {
		printProvider("Summarizer", cfg.Summarizer.Provider.Name, cfg.Summarizer.Provider.Model)
	}
	printRow("Keywords", fmt.Sprintf("%d", keywords))
	printRow("LINE", enabled(cfg.Notify.LINE.Token != ""))
	printRow("Discord", enabled(cfg.Notify.Discord.Token != ""))
	printRow("Postgres", enabled(cfg.Storage.PostgresDSN != ""))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(kind, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
