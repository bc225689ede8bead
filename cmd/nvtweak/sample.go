package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skobkin/nvtweak/internal/gpu"
	"github.com/skobkin/nvtweak/internal/sampler"
)

var (
	sampleCountFlag    int
	sampleIntervalFlag time.Duration
	sampleJSONFlag     bool
)

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Refresh telemetry and print it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if sampleCountFlag <= 0 {
			return fmt.Errorf("--count must be > 0")
		}

		adapter, cfg, err := openAdapter()
		if err != nil {
			return err
		}
		defer adapter.Close()

		interval := sampleIntervalFlag
		if interval <= 0 {
			interval = cfg.SampleInterval
		}

		enc := json.NewEncoder(os.Stdout)
		for i := 0; i < sampleCountFlag; i++ {
			if i > 0 {
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}

			sample := sampler.Sample{Timestamp: time.Now().UTC()}
			if err := adapter.Refresh(cmd.Context()); err != nil {
				var refreshErr *gpu.RefreshError
				if !errors.As(err, &refreshErr) {
					return err
				}
				sample.Warnings = refreshErr.Fields()
			}
			sample.Metrics = adapter.Snapshot()

			if sampleJSONFlag {
				if err := enc.Encode(sample); err != nil {
					return err
				}
				continue
			}
			if err := printSample(sample); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sampleCmd)
	sampleCmd.Flags().IntVarP(&sampleCountFlag, "count", "c", 1, "number of refreshes")
	sampleCmd.Flags().DurationVarP(&sampleIntervalFlag, "interval", "i", 0, "delay between refreshes (defaults to APP_SAMPLE_INTERVAL)")
	sampleCmd.Flags().BoolVar(&sampleJSONFlag, "json", false, "emit one JSON object per refresh")
}

func printSample(sample sampler.Sample) error {
	fmt.Println(sample.Timestamp.Format(time.RFC3339Nano))
	if err := writeTable(os.Stdout, []string{"Metric", "Value"}, snapshotRows(sample.Metrics)); err != nil {
		return err
	}
	if len(sample.Warnings) > 0 {
		fmt.Fprintln(os.Stderr, color.YellowString("stale fields: %v", sample.Warnings))
	}
	return nil
}

func snapshotRows(s gpu.Snapshot) [][]string {
	rows := [][]string{
		{"Power", fmt.Sprintf("%d W", s.PowerWatts)},
		{"Temperature", fmt.Sprintf("%d C", s.TemperatureC)},
		{"Memory used", fmt.Sprintf("%d / %d MiB", s.MemoryUsedMiB, s.MemoryTotalMiB)},
		{"Memory free", fmt.Sprintf("%d MiB", s.MemoryFreeMiB)},
		{"Fan", fmt.Sprintf("%d %%", s.FanSpeedPct)},
		{"GPU utilisation", fmt.Sprintf("%d %%", s.GPUUtilPct)},
		{"Memory utilisation", fmt.Sprintf("%d %%", s.MemUtilPct)},
	}
	for _, domain := range gpu.ClockDomains {
		current, max := s.Clock(domain)
		rows = append(rows, []string{domain.String() + " clock", fmt.Sprintf("%d / %d MHz", current, max)})
	}
	return append(rows,
		[]string{"Core offset", fmt.Sprintf("%+d MHz", s.CoreOffsetMHz)},
		[]string{"Memory offset", fmt.Sprintf("%+d MHz", s.MemOffsetMHz)},
	)
}
