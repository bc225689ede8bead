package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skobkin/nvtweak/internal/gpu"
)

var privilegeCmd = &cobra.Command{
	Use:   "privilege",
	Short: "Report whether the process may apply clock offsets",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		if gpu.IsPrivileged() {
			fmt.Println(color.GreenString("elevated"))
			return
		}
		fmt.Println(color.YellowString("not elevated"))
	},
}

func init() {
	rootCmd.AddCommand(privilegeCmd)
}
