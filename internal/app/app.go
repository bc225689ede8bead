// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/nvtweak/internal/config"
	"github.com/skobkin/nvtweak/internal/gpu"
	"github.com/skobkin/nvtweak/internal/httpserver"
	"github.com/skobkin/nvtweak/internal/sampler"
)

const shutdownTimeout = 10 * time.Second

// OpenDevice initialises the management library, binds GPU 0 and wraps it
// in an Adapter configured from cfg. The caller owns the returned adapter.
func OpenDevice(cfg config.Config, baseLogger *slog.Logger) (*gpu.Adapter, error) {
	source, err := gpu.OpenNVML(cfg.NVML.LibraryPath)
	if err != nil {
		return nil, err
	}

	adapter, err := gpu.New(source,
		gpu.WithLogger(baseLogger.With("component", "gpu")),
		gpu.WithOffsetBinder(gpu.NVMLOffsetBinder{LibraryPath: cfg.NVML.LibraryPath}),
		gpu.WithAbortOnQueryError(cfg.NVML.StrictRefresh),
	)
	if err != nil {
		_ = source.Close()
		return nil, err
	}
	return adapter, nil
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	device, err := OpenDevice(cfg, baseLogger)
	if err != nil {
		return fmt.Errorf("open gpu: %w", err)
	}

	return run(ctx, baseLogger, cfg, device)
}

type managedDevice interface {
	sampler.Refresher
	httpserver.Device
	Info(ctx context.Context) (gpu.Info, error)
	Close() error
}

func run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, device managedDevice) error {
	appLogger := baseLogger.With("component", "app")

	info, err := device.Info(ctx)
	if err != nil {
		appLogger.Warn("device identification incomplete", "err", err)
	}
	appLogger.Info("gpu bound",
		"name", info.Name,
		"driver", info.DriverVersion,
		"pci_bus_id", info.PCIBusID,
		"privileged", device.Privileged(),
	)
	if !device.Privileged() && cfg.NVML.EnableOffsets {
		appLogger.Warn("process is not elevated, clock offset writes will be refused")
	}

	samplerManager, err := sampler.NewManager(cfg.SampleInterval, device, baseLogger.With("component", "sampler"))
	if err != nil {
		if closeErr := device.Close(); closeErr != nil {
			appLogger.Warn("device close", "err", closeErr)
		}
		return fmt.Errorf("init sampler manager: %w", err)
	}
	defer func() {
		if err := samplerManager.Close(); err != nil {
			appLogger.Warn("sampler manager close", "err", err)
		}
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), info, device, samplerManager)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return samplerManager.Run(groupCtx)
	})
	group.Go(srv.Start)
	group.Go(func() error {
		<-groupCtx.Done()
		if ctx.Err() != nil {
			appLogger.Info("shutdown initiated", "reason", ctx.Err())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	appLogger.Info("shutdown complete")
	return nil
}
