// polytrader runs an automated trading bot for Polymarket binary
// prediction markets. Three strategies (whale copy-trading, YES+NO
// parity arbitrage, deep-discount stink bids) feed one risk-gated
// execution pipeline, in paper or live mode.
//
// Usage:
//
//	polytrader                    run with configs/config.yaml
//	polytrader --live             trade real funds
//	polytrader --status           print persisted bot state and exit
//	polytrader --kill             engage the kill switch and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/0xtitan6/polytrader/internal/config"
	"github.com/0xtitan6/polytrader/internal/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML config")
	live := flag.Bool("live", false, "trade real funds (overrides mode from config)")
	status := flag.Bool("status", false, "print persisted bot state and exit")
	kill := flag.Bool("kill", false, "engage the kill switch and exit")
	logLevel := flag.String("log-level", "", "debug, info, warn, or error (overrides config)")
	flag.Parse()

	// Optional; the environment always wins over the file.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "error", err)
		return 1
	}
	if *live {
		cfg.Mode = config.ModeLive
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *status:
		out, err := engine.Status(ctx, cfg, logger)
		if err != nil {
			logger.Error("status failed", "error", err)
			return 1
		}
		fmt.Println(out)
		return 0
	case *kill:
		if err := engine.KillSwitch(ctx, cfg, logger); err != nil {
			logger.Error("kill switch failed", "error", err)
			return 1
		}
		fmt.Println("kill switch engaged")
		return 0
	}

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	if err := eng.Run(ctx); err != nil {
		logger.Error("engine stopped", "error", err)
		return 1
	}
	return 0
}

func defaultConfigPath() string {
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
