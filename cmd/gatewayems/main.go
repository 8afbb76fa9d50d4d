// Package main is the entry point for the gatewayems CLI.
//
// Usage:
//
//	gatewayems run -c config.yaml       # Watch the command file and poll devices
//	gatewayems validate -c config.yaml  # Validate configuration and device store
//	gatewayems device list -c config.yaml
//	gatewayems version
package main

import (
	"fmt"
	"os"

	"github.com/KevinKickass/gatewayems/internal/config"
	"github.com/spf13/cobra"
)

// set via -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "gatewayems",
	Short: "Modbus RTU/TCP polling gateway driven by a command file",
	Long: `gatewayems connects to Modbus RTU and TCP field devices and polls their
registers while an external command file asks it to.

The command file is a JSON object with two booleans:
  {"ModbusConnect": true, "ModbusStartRead": true}

Devices are configured in an INI device store (DEVICE_<name> sections).`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "gatewayems %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file (defaults apply when empty)")
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
