// Command voicesafe is the main entry point for the VoiceSafe analysis server.
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

	"github.com/MrWong99/voicesafe/internal/app"
	"github.com/MrWong99/voicesafe/internal/config"
	"github.com/MrWong99/voicesafe/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the configuration")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voicesafe: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := config.LoadOrEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicesafe: %v\n", err)
		return 1
	}
	watchPath := *configPath
	if !fromFile {
		fmt.Fprintf(os.Stderr, "voicesafe: config file %q not found, using defaults and environment\n", *configPath)
		watchPath = ""
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voicesafe starting",
		"version", version,
		"config", watchPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	providers, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Observe.ServiceName,
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Observe.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithLogLevel(level),
		app.WithMetricsHandler(providers.MetricsHandler),
		app.WithConfigPath(watchPath),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       VoiceSafe · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Version", version)
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	names := make([]string, len(cfg.Decoders))
	for i, d := range cfg.Decoders {
		names[i] = d.Name
	}
	printRow("Decoders", strings.Join(names, ","))
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	printRow("Max duration", cfg.Audio.MaxDuration.String())
	printRow("Concurrency", fmt.Sprintf("%d / queue %s", cfg.Server.MaxConcurrent, cfg.Server.QueueTimeout))
	switch rl := cfg.RateLimit; {
	case !rl.Enabled:
		printRow("Rate limit", "(disabled)")
	case rl.RedisURL != "":
		printRow("Rate limit", fmt.Sprintf("%d/%s redis", rl.MaxRequests, rl.Window))
	default:
		printRow("Rate limit", fmt.Sprintf("%d/%s memory", rl.MaxRequests, rl.Window))
	}
	weights := cfg.Scoring.WeightsFile
	if weights == "" {
		weights = "(built-in)"
	}
	printRow("Weights", weights)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}
