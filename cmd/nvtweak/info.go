package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skobkin/nvtweak/internal/gpu"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print device identification and driver version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		adapter, _, err := openAdapter()
		if err != nil {
			return err
		}
		defer adapter.Close()

		info, err := adapter.Info(cmd.Context())
		if err != nil {
			return err
		}

		return writeTable(os.Stdout, []string{"Property", "Value"}, infoRows(info, adapter.Privileged()))
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func infoRows(info gpu.Info, privileged bool) [][]string {
	rows := [][]string{
		{"Name", info.Name},
		{"Driver", info.DriverVersion},
	}
	optional := [][]string{
		{"UUID", info.UUID},
		{"Brand", info.Brand},
		{"Architecture", info.Architecture},
		{"PCI bus", info.PCIBusID},
		{"PCI ID", info.PCIID},
		{"PCI subsystem", info.PCISubsystemID},
	}
	for _, row := range optional {
		if row[1] != "" {
			rows = append(rows, row)
		}
	}
	return append(rows, []string{"Elevated", fmt.Sprintf("%t", privileged)})
}
