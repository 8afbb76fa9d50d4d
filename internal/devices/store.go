package devices

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/KevinKickass/gatewayems/internal/types"
	"gopkg.in/ini.v1"
)

const (
	SectionPrefix = "DEVICE_"
	listKey       = "devices"

	defaultBaudRate     = 9600
	defaultParity       = "N"
	defaultDataBits     = 8
	defaultStopBits     = 1
	defaultTCPPort      = 502
	defaultFunctionCode = types.FuncCodeReadHoldingRegisters
)

var ErrDeviceNotFound = errors.New("device not found")

// Store reads and writes the device configuration file. Each device lives in
// a DEVICE_<name> section; the list section holds the enabled section names
// as a comma separated list.
type Store struct {
	path        string
	listSection string
	mu          sync.Mutex
}

func NewStore(path, listSection string) *Store {
	return &Store{path: path, listSection: listSection}
}

func (s *Store) Path() string {
	return s.path
}

// Devices returns every enabled device that parsed. Devices that failed to
// parse are returned in invalid, keyed by name; they do not fail the call.
func (s *Store) Devices() (devices []types.DeviceConfig, invalid map[string]error, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := ini.Load(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load device store %s: %w", s.path, err)
	}

	invalid = make(map[string]error)
	for _, sectionName := range s.enabled(f) {
		name := strings.TrimPrefix(sectionName, SectionPrefix)

		section, err := f.GetSection(sectionName)
		if err != nil {
			invalid[name] = fmt.Errorf("%w: section %s listed but missing", types.ErrConfig, sectionName)
			continue
		}

		device, err := parseDevice(name, section)
		if err != nil {
			invalid[name] = err
			continue
		}
		devices = append(devices, device)
	}

	return devices, invalid, nil
}

// AddDevice writes or replaces the device section and enables it.
// It reports whether the device already existed.
func (s *Store) AddDevice(device types.DeviceConfig) (bool, error) {
	if device.Name == "" {
		return false, fmt.Errorf("%w: device name is empty", types.ErrConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadOrEmpty()
	if err != nil {
		return false, err
	}

	sectionName := SectionPrefix + device.Name
	existed := f.HasSection(sectionName)
	if existed {
		f.DeleteSection(sectionName)
	}

	section, err := f.NewSection(sectionName)
	if err != nil {
		return false, fmt.Errorf("failed to create section %s: %w", sectionName, err)
	}
	for _, kv := range formatDevice(device) {
		if _, err := section.NewKey(kv.key, kv.value); err != nil {
			return false, fmt.Errorf("failed to write %s.%s: %w", sectionName, kv.key, err)
		}
	}

	list := s.enabled(f)
	if !contains(list, sectionName) {
		list = append(list, sectionName)
	}
	f.Section(s.listSection).Key(listKey).SetValue(strings.Join(list, ","))

	return existed, s.save(f)
}

// RemoveDevice deletes the device section and drops it from the list.
func (s *Store) RemoveDevice(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := ini.Load(s.path)
	if err != nil {
		return fmt.Errorf("failed to load device store %s: %w", s.path, err)
	}

	sectionName := SectionPrefix + strings.TrimPrefix(name, SectionPrefix)
	if !f.HasSection(sectionName) {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	f.DeleteSection(sectionName)

	list := s.enabled(f)
	kept := list[:0]
	for _, n := range list {
		if n != sectionName {
			kept = append(kept, n)
		}
	}
	f.Section(s.listSection).Key(listKey).SetValue(strings.Join(kept, ","))

	return s.save(f)
}

func (s *Store) enabled(f *ini.File) []string {
	if !f.HasSection(s.listSection) {
		return nil
	}

	raw := f.Section(s.listSection).Key(listKey).String()
	names := make([]string, 0)
	for _, n := range strings.Split(raw, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if !strings.HasPrefix(n, SectionPrefix) {
			n = SectionPrefix + n
		}
		names = append(names, n)
	}
	return names
}

func (s *Store) loadOrEmpty() (*ini.File, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return ini.Empty(), nil
	}

	f, err := ini.Load(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to load device store %s: %w", s.path, err)
	}
	return f, nil
}

// save writes through a temp file so a concurrent reader never sees a partial store.
func (s *Store) save(f *ini.File) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := f.SaveTo(tmp); err != nil {
		return fmt.Errorf("failed to write device store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace device store: %w", err)
	}
	return nil
}

func parseDevice(name string, section *ini.Section) (types.DeviceConfig, error) {
	d := types.DeviceConfig{
		Name:       name,
		DeviceType: section.Key("deviceType").String(),
		Protocol:   types.Protocol(strings.ToUpper(strings.TrimSpace(section.Key("protocol").String()))),
		MapPath:    section.Key("modbusMapPath").String(),
	}

	var err error
	intKey := func(key string, def int) int {
		if err != nil {
			return def
		}
		raw := strings.TrimSpace(section.Key(key).String())
		if raw == "" {
			return def
		}
		v, convErr := strconv.Atoi(raw)
		if convErr != nil {
			err = fmt.Errorf("%w: device %s: %s=%q is not an integer", types.ErrConfig, name, key, raw)
			return def
		}
		return v
	}

	switch d.Protocol {
	case types.ProtocolRTU:
		d.SerialPort = strings.TrimSpace(section.Key("serialPort").String())
		d.BaudRate = intKey("baudRate", defaultBaudRate)
		d.Parity = normalizeParity(section.Key("parity").String())
		d.DataBits = intKey("dataBits", defaultDataBits)
		d.StopBits = intKey("stopBits", defaultStopBits)
	case types.ProtocolTCP:
		d.Host = strings.TrimSpace(section.Key("ipAddress").String())
		d.Port = intKey("port", defaultTCPPort)
	}

	slave := intKey("modbusId", 1)
	fc := intKey("modbusFunction", int(defaultFunctionCode))
	start := intKey("startAddress", 0)
	count := intKey("registers", 0)
	if err != nil {
		return types.DeviceConfig{}, err
	}

	if slave < 0 || slave > 247 {
		return types.DeviceConfig{}, fmt.Errorf("%w: device %s: modbusId %d out of range", types.ErrConfig, name, slave)
	}
	if fc != int(types.FuncCodeReadHoldingRegisters) && fc != int(types.FuncCodeReadInputRegisters) {
		return types.DeviceConfig{}, fmt.Errorf("%w: device %s: unsupported modbusFunction %d", types.ErrConfig, name, fc)
	}
	if start < 0 || start > 0xFFFF || count < 0 || count > 125 {
		return types.DeviceConfig{}, fmt.Errorf("%w: device %s: invalid register range %d/%d", types.ErrConfig, name, start, count)
	}

	d.SlaveID = uint8(slave)
	d.FunctionCode = uint8(fc)
	d.StartAddress = uint16(start)
	d.Registers = uint16(count)

	return d, nil
}

type keyValue struct {
	key, value string
}

// formatDevice returns the keys in a fixed order.
func formatDevice(d types.DeviceConfig) []keyValue {
	out := []keyValue{
		{"deviceType", d.DeviceType},
		{"protocol", string(d.Protocol)},
	}

	switch d.Protocol {
	case types.ProtocolRTU:
		out = append(out,
			keyValue{"serialPort", d.SerialPort},
			keyValue{"baudRate", strconv.Itoa(d.BaudRate)},
			keyValue{"parity", d.Parity},
			keyValue{"dataBits", strconv.Itoa(d.DataBits)},
			keyValue{"stopBits", strconv.Itoa(d.StopBits)})
	case types.ProtocolTCP:
		out = append(out,
			keyValue{"ipAddress", d.Host},
			keyValue{"port", strconv.Itoa(d.Port)})
	}

	out = append(out,
		keyValue{"modbusId", strconv.Itoa(int(d.SlaveID))},
		keyValue{"modbusFunction", strconv.Itoa(int(d.FunctionCode))},
		keyValue{"startAddress", strconv.Itoa(int(d.StartAddress))},
		keyValue{"registers", strconv.Itoa(int(d.Registers))})
	if d.MapPath != "" {
		out = append(out, keyValue{"modbusMapPath", d.MapPath})
	}
	return out
}

// normalizeParity accepts N/E/O as well as None/Even/Odd.
func normalizeParity(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultParity
	}
	return strings.ToUpper(raw[:1])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
