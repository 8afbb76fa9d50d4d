package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/KevinKickass/gatewayems/internal/devices"
	"github.com/KevinKickass/gatewayems/internal/types"
	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Maintain the device store",
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enabled devices",
	RunE:  runDeviceList,
}

var deviceAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add or replace a device and enable it",
	Long: `Write a DEVICE_<NAME> section to the device store and append it to the
enabled device list.

Example:
  gatewayems device add meter --protocol RTU --serial-port /dev/ttyRS485 \
    --slave 1 --start 100 --registers 2`,
	Args: cobra.ExactArgs(1),
	RunE: runDeviceAdd,
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a device and disable it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceRemove,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceListCmd, deviceAddCmd, deviceRemoveCmd)

	f := deviceAddCmd.Flags()
	f.String("type", "", "device type label")
	f.String("protocol", "RTU", "RTU or TCP")
	f.String("serial-port", "", "serial device path (RTU)")
	f.Int("baud", 9600, "baud rate (RTU)")
	f.String("parity", "N", "parity N, E or O (RTU)")
	f.Int("data-bits", 8, "data bits (RTU)")
	f.Int("stop-bits", 1, "stop bits (RTU)")
	f.String("host", "", "device host (TCP)")
	f.Int("port", 502, "device port (TCP)")
	f.Uint8("slave", 1, "modbus slave id")
	f.Uint8("function", types.FuncCodeReadHoldingRegisters, "read function code, 3 or 4")
	f.Uint16("start", 0, "first register address")
	f.Uint16("registers", 0, "register count")
	f.String("map", "", "register map file")
}

func openStore(cmd *cobra.Command) (*devices.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return devices.NewStore(cfg.Devices.StorePath, cfg.Devices.ListSection), nil
}

func runDeviceList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}

	list, invalid, err := store.Devices()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPROTOCOL\tTRANSPORT\tSLAVE\tFC\tSTART\tREGISTERS")
	for _, d := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			d.Name, d.Protocol, d.TransportKey(), d.SlaveID, d.FunctionCode, d.StartAddress, d.Registers)
	}
	names := make([]string, 0, len(invalid))
	for name := range invalid {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s\tinvalid\t%v\n", name, invalid[name])
	}
	return w.Flush()
}

func runDeviceAdd(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	device := types.DeviceConfig{Name: args[0]}
	device.DeviceType, _ = f.GetString("type")
	protocol, _ := f.GetString("protocol")
	device.Protocol = types.Protocol(strings.ToUpper(protocol))
	device.FunctionCode, _ = f.GetUint8("function")
	device.SlaveID, _ = f.GetUint8("slave")
	device.StartAddress, _ = f.GetUint16("start")
	device.Registers, _ = f.GetUint16("registers")
	device.MapPath, _ = f.GetString("map")

	switch device.Protocol {
	case types.ProtocolRTU:
		device.SerialPort, _ = f.GetString("serial-port")
		device.BaudRate, _ = f.GetInt("baud")
		parity, _ := f.GetString("parity")
		if parity != "" {
			device.Parity = strings.ToUpper(parity[:1])
		}
		device.DataBits, _ = f.GetInt("data-bits")
		device.StopBits, _ = f.GetInt("stop-bits")
	case types.ProtocolTCP:
		device.Host, _ = f.GetString("host")
		device.Port, _ = f.GetInt("port")
	}

	if err := device.Validate(); err != nil {
		return err
	}
	if err := device.CheckPollable(); err != nil {
		return err
	}

	existed, err := store.AddDevice(device)
	if err != nil {
		return err
	}

	verb := "added"
	if existed {
		verb = "replaced"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Device %s %s in %s\n", device.Name, verb, store.Path())
	return nil
}

func runDeviceRemove(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}

	if err := store.RemoveDevice(args[0]); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Device %s removed from %s\n", args[0], store.Path())
	return nil
}
