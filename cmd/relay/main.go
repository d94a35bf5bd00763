package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/vovakirdan/duoview/internal/app"
	"github.com/vovakirdan/duoview/internal/config"
	"github.com/vovakirdan/duoview/internal/log"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults next to the binary)")
	addr := flag.String("addr", "", "HTTP listen address override")
	flag.Parse()

	bootLogger := log.New("info")
	cfg, resolvedPath, err := config.Load(bootLogger, *configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Str("path", resolvedPath).Msg("failed to load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if cfg.JWTSecret == "" {
		bootLogger.Fatal().Str("path", resolvedPath).Msg("jwt_secret must be set in config or DUOVIEW_JWT_SECRET")
	}

	logger := log.New(cfg.LogLevel)
	logger.Info().Str("config", resolvedPath).Str("addr", cfg.Addr).Msg("starting duoview relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize relay")
	}

	if err := application.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("relay exited with error")
	}
	logger.Info().Msg("relay stopped")
}
