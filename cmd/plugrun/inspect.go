package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/veldra/plugin-host/abi"
	"github.com/veldra/plugin-host/bundle"
	"github.com/veldra/plugin-host/meter"
)

// NewInspectCmd creates the inspect subcommand.
func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <bundle.zip>",
		Short: "Validate a bundle and print its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bundle.ReadFile(args[0])
			if err != nil {
				return err
			}
			m := b.Manifest

			cmd.Printf("name:          %s\n", m.Name)
			cmd.Printf("version:       %s\n", m.Version)
			cmd.Printf("abi:           %s (host supports %s)\n", m.ABI, abi.Supported)
			if !abi.Supported.Accepts(m.ABI) {
				cmd.Println("               WARNING: this host would refuse the bundle")
			}

			caps := make([]string, 0, len(m.CapabilitySet()))
			for _, c := range m.CapabilitySet() {
				caps = append(caps, string(c))
			}
			cmd.Printf("capabilities:  %s\n", orNone(strings.Join(caps, ", ")))
			cmd.Printf("events:        %s\n", orNone(strings.Join(m.Events, ", ")))
			cmd.Printf("module:        %d bytes\n", len(b.Module))

			instrumented, err := meter.Instrument(b.Module, meter.Options{
				HostModule: abi.HostModule,
				SpendName:  abi.FuncSpend,
			})
			if err != nil {
				return fmt.Errorf("module does not instrument: %w", err)
			}
			cmd.Printf("instrumented:  %d bytes\n", len(instrumented))
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
