package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skobkin/nvtweak/internal/app"
	"github.com/skobkin/nvtweak/internal/config"
	"github.com/skobkin/nvtweak/internal/gpu"
	"github.com/skobkin/nvtweak/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

// Exit codes let service managers tell a missing driver apart from a bad
// configuration.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
	exitNoGPU  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	cfg, err := config.Load()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		return exitConfig
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	build := version.Current()
	logger.Info("nvtweak-web starting",
		"version", build.Version,
		"commit", build.Commit,
		"go", build.GoVersion,
		"nvml_module", build.NVML,
		"offsets_enabled", cfg.NVML.EnableOffsets,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = app.Run(ctx, logger, cfg)
	code := exitCode(err)
	switch code {
	case exitOK:
	case exitNoGPU:
		logger.Error("gpu unavailable, check the NVIDIA driver or APP_NVML_LIBRARY_PATH", "err", err)
	default:
		logger.Error("application error", "err", err)
	}
	return code
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var initErr *gpu.InitializationError
	if errors.As(err, &initErr) {
		return exitNoGPU
	}
	return exitFailed
}
