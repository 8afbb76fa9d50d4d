package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// executeCmd runs the root command with args and returns captured stdout.
func executeCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) (configPath, storePath string) {
	t.Helper()
	dir := t.TempDir()
	storePath = filepath.Join(dir, "modbus.ini")
	configPath = filepath.Join(dir, "config.yaml")
	assert.NilError(t, os.WriteFile(configPath, []byte("devices:\n  store_path: "+storePath+"\n"), 0o644))
	return configPath, storePath
}

func TestDeviceAddListRemove(t *testing.T) {
	configPath, storePath := writeConfig(t)

	out, err := executeCmd(t, "device", "add", "meter", "-c", configPath,
		"--protocol", "rtu", "--serial-port", "/dev/ttyRS485", "--parity", "even",
		"--slave", "4", "--start", "100", "--registers", "2")
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "Device meter added"))

	raw, err := os.ReadFile(storePath)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(string(raw), "[DEVICE_meter]"))
	assert.Check(t, is.Contains(string(raw), "DEVICE_meter"))

	out, err = executeCmd(t, "device", "list", "-c", configPath)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "meter"))
	assert.Check(t, is.Contains(out, "/dev/ttyRS485"))

	out, err = executeCmd(t, "validate", "-c", configPath)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "Config is valid!"))
	assert.Check(t, is.Contains(out, "Transports:    1"))

	out, err = executeCmd(t, "device", "remove", "meter", "-c", configPath)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "removed"))

	_, err = executeCmd(t, "device", "remove", "meter", "-c", configPath)
	assert.ErrorContains(t, err, "device not found")
}

func TestDeviceAddRejectsInvalid(t *testing.T) {
	configPath, _ := writeConfig(t)

	_, err := executeCmd(t, "device", "add", "meter", "-c", configPath,
		"--protocol", "RTU", "--serial-port", "/dev/ttyS0", "--function", "6", "--registers", "1")
	assert.ErrorContains(t, err, "unsupported function code")
}

func TestDeviceAddRejectsUnpollable(t *testing.T) {
	configPath, storePath := writeConfig(t)

	// flag values persist between executions of rootCmd, so every test
	// below sets the flags it depends on
	_, err := executeCmd(t, "device", "add", "bus", "-c", configPath,
		"--protocol", "rtu", "--serial-port", "", "--function", "3", "--registers", "2", "--map", "")
	assert.ErrorContains(t, err, "serial port is required")

	_, err = executeCmd(t, "device", "add", "plc", "-c", configPath,
		"--protocol", "tcp", "--host", "", "--function", "3", "--registers", "2", "--map", "")
	assert.ErrorContains(t, err, "host is required")

	_, err = executeCmd(t, "device", "add", "plc", "-c", configPath,
		"--protocol", "tcp", "--host", "10.0.0.7", "--function", "3", "--registers", "0", "--map", "")
	assert.ErrorContains(t, err, "needs a register map or a register count")

	_, err = os.Stat(storePath)
	assert.Check(t, os.IsNotExist(err), "nothing may be written for rejected devices")
}

func TestDeviceListSortsInvalidDevices(t *testing.T) {
	configPath, storePath := writeConfig(t)
	assert.NilError(t, os.WriteFile(storePath, []byte(`[MAIN_MODBUS]
devices = DEVICE_zeta,DEVICE_mid,DEVICE_alpha
`), 0o644))

	out, err := executeCmd(t, "device", "list", "-c", configPath)
	assert.NilError(t, err)

	alpha := strings.Index(out, "alpha")
	mid := strings.Index(out, "mid")
	zeta := strings.Index(out, "zeta")
	assert.Assert(t, alpha > 0 && mid > 0 && zeta > 0, out)
	assert.Check(t, alpha < mid && mid < zeta, out)
}

func TestValidateReportsInvalidDevices(t *testing.T) {
	configPath, storePath := writeConfig(t)
	assert.NilError(t, os.WriteFile(storePath, []byte(`[MAIN_MODBUS]
devices = DEVICE_ok,DEVICE_nomap

[DEVICE_ok]
protocol = TCP
ipAddress = 10.0.0.1
registers = 4

[DEVICE_nomap]
protocol = TCP
ipAddress = 10.0.0.2
modbusMapPath = missing.yaml
`), 0o644))

	out, err := executeCmd(t, "validate", "-c", configPath)
	assert.ErrorContains(t, err, "1 invalid device")
	assert.Check(t, is.Contains(out, "invalid device nomap"))
}

func TestVersion(t *testing.T) {
	out, err := executeCmd(t, "version")
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out, "gatewayems dev"))
}
