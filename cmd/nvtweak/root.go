package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/skobkin/nvtweak/internal/app"
	"github.com/skobkin/nvtweak/internal/config"
	"github.com/skobkin/nvtweak/internal/gpu"
)

var rootCmd = &cobra.Command{
	Use:           "nvtweak",
	Short:         "Read telemetry from and tune clock offsets of NVIDIA GPU 0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	rootVerboseFlag bool
	rootLibraryFlag string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&rootLibraryFlag, "nvml-lib", "", "path to libnvidia-ml (overrides APP_NVML_LIBRARY_PATH)")
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if rootVerboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if rootLibraryFlag != "" {
		cfg.NVML.LibraryPath = rootLibraryFlag
	}
	return cfg, nil
}

// openAdapter loads configuration and binds the device. Callers must Close
// the adapter.
func openAdapter() (*gpu.Adapter, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	adapter, err := app.OpenDevice(cfg, newLogger())
	if err != nil {
		return nil, config.Config{}, err
	}
	return adapter, cfg, nil
}

// writeTable renders a two column property table to w.
func writeTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(header[0], header[1])
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("table row %q: %w", row[0], err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	return nil
}
