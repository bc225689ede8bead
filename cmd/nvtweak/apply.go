package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skobkin/nvtweak/internal/gpu"
)

var (
	applyCoreFlag string
	applyMemFlag  string
)

var okString = color.GreenString("[ OK ]")
var failString = color.RedString("[FAIL]")

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Write graphics and memory clock VF offsets (requires elevation)",
	Long: "Write the graphics clock offset and then the memory clock offset. " +
		"If the memory write is rejected the graphics offset stays applied.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		req, err := gpu.ParseOffsetRequest(applyCoreFlag, applyMemFlag)
		if err != nil {
			return err
		}

		adapter, _, err := openAdapter()
		if err != nil {
			return err
		}
		defer adapter.Close()

		result, err := adapter.ApplyOffsetRequest(cmd.Context(), req)
		fmt.Println(describeApply(result, err))
		return err
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().StringVar(&applyCoreFlag, "core", "0", "graphics clock offset in MHz")
	applyCmd.Flags().StringVar(&applyMemFlag, "mem", "0", "memory clock offset in MHz")
}

func describeApply(result gpu.OffsetResult, err error) string {
	if err == nil {
		return fmt.Sprintf("%s core %+d MHz, memory %+d MHz (op %s)",
			okString, result.Request.CoreMHz, result.Request.MemoryMHz, result.OperationID)
	}

	var rejected *gpu.HardwareRejectedError
	switch {
	case errors.Is(err, gpu.ErrPermissionDenied):
		return fmt.Sprintf("%s %s", failString, color.YellowString("run as root or an elevated administrator"))
	case errors.As(err, &rejected) && rejected.CoreApplied:
		return fmt.Sprintf("%s memory offset rejected with status %d, core offset %s remains applied",
			failString, int(rejected.Status), color.YellowString("%+d MHz", result.Request.CoreMHz))
	case errors.As(err, &rejected):
		return fmt.Sprintf("%s core offset rejected with status %d, nothing applied", failString, int(rejected.Status))
	default:
		return fmt.Sprintf("%s %v", failString, err)
	}
}
