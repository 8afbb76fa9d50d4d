package main

import (
	"fmt"
	"sort"

	"github.com/KevinKickass/gatewayems/internal/devices"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config and the device store",
	Long: `Load the config, then read every enabled device from the device store
and resolve its register map, without opening any connection.

Exit codes:
  0 - config and every enabled device are valid
  1 - config invalid, store unreadable or at least one device invalid

Example:
  gatewayems validate -c config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store := devices.NewStore(cfg.Devices.StorePath, cfg.Devices.ListSection)
	list, invalid, err := store.Devices()
	if err != nil {
		return err
	}

	maps, err := devices.NewMapLoader(cfg.Devices.MapSearchPaths)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Command file:  %s (%s / %s)\n", cfg.Command.Path, cfg.Command.ConnectKey, cfg.Command.ReadKey)
	fmt.Fprintf(out, "  Device store:  %s\n", cfg.Devices.StorePath)
	fmt.Fprintf(out, "  Poll interval: %s\n", cfg.Modbus.PollInterval)

	transports := make(map[string]int)
	for _, d := range list {
		if err := d.Validate(); err != nil {
			invalid[d.Name] = err
			continue
		}
		resolved, err := maps.Resolve(d)
		if err != nil {
			invalid[d.Name] = err
			continue
		}
		key := string(resolved.TransportKey())
		if key == "" {
			invalid[d.Name] = fmt.Errorf("no transport locator for protocol %q", d.Protocol)
			continue
		}
		transports[key]++
		fmt.Fprintf(out, "  Device %-12s %s via %s, slave %d, %d spans\n",
			resolved.Name, resolved.Protocol, key, resolved.SlaveID, len(resolved.Spans))
	}

	fmt.Fprintf(out, "  Transports:    %d\n", len(transports))

	if len(invalid) == 0 {
		return nil
	}

	names := make([]string, 0, len(invalid))
	for name := range invalid {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(cmd.ErrOrStderr(), "  invalid device %s: %v\n", name, invalid[name])
	}
	return fmt.Errorf("%d invalid device(s)", len(invalid))
}
