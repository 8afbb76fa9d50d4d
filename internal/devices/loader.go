package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/KevinKickass/gatewayems/internal/types"
	"gopkg.in/yaml.v3"
)

// RegisterMap is the on-disk register map of one device model.
type RegisterMap struct {
	Device      string          `yaml:"device"`
	Description string          `yaml:"description"`
	Groups      []RegisterGroup `yaml:"groups"`
}

type RegisterGroup struct {
	Name    string `yaml:"name"`
	Address uint16 `yaml:"address"`
	Count   uint16 `yaml:"count"`
}

// Spans flattens the groups into the pairs the reader polls.
func (m *RegisterMap) Spans() []types.RegisterSpan {
	spans := make([]types.RegisterSpan, 0, len(m.Groups))
	for _, g := range m.Groups {
		spans = append(spans, types.RegisterSpan{Address: g.Address, Count: g.Count})
	}
	return spans
}

// MapLoader resolves register map files once and caches them by path.
type MapLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewMapLoader(searchPaths []string) (*MapLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &MapLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

func (l *MapLoader) Load(mapPath string) (*RegisterMap, error) {
	if cached, ok := l.cache.Load(mapPath); ok {
		return cached.(*RegisterMap), nil
	}

	data, foundPath, err := l.read(mapPath)
	if err != nil {
		return nil, err
	}

	if err := l.validator.ValidateRegisterMap(data); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", foundPath, err)
	}

	var m RegisterMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal register map: %w", err)
	}

	l.cache.Store(mapPath, &m)

	return &m, nil
}

// Resolve fills device.Spans from its map file, or from StartAddress and
// Registers when no map is configured.
func (l *MapLoader) Resolve(device types.DeviceConfig) (types.DeviceConfig, error) {
	if device.MapPath == "" {
		if device.Registers == 0 {
			return device, fmt.Errorf("%w: device %s: no register map and registers=0", types.ErrConfig, device.Name)
		}
		device.Spans = []types.RegisterSpan{{Address: device.StartAddress, Count: device.Registers}}
		return device, nil
	}

	m, err := l.Load(device.MapPath)
	if err != nil {
		return device, fmt.Errorf("%w: device %s: %v", types.ErrConfig, device.Name, err)
	}
	device.Spans = m.Spans()
	return device, nil
}

func (l *MapLoader) read(mapPath string) ([]byte, string, error) {
	if filepath.IsAbs(mapPath) {
		data, err := os.ReadFile(mapPath)
		if err != nil {
			return nil, "", fmt.Errorf("register map not found: %w", err)
		}
		return data, mapPath, nil
	}

	for _, searchPath := range l.searchPaths {
		fullPath := filepath.Join(searchPath, mapPath)
		data, err := os.ReadFile(fullPath)
		if err == nil {
			return data, fullPath, nil
		}
	}

	return nil, "", fmt.Errorf("register map not found: %s (searched in: %v)", mapPath, l.searchPaths)
}

func (l *MapLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
