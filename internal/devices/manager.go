package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/gatewayems/internal/metrics"
	"github.com/KevinKickass/gatewayems/internal/modbus"
	"github.com/KevinKickass/gatewayems/internal/types"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ClientFactory builds an unconnected client for the transport of device.
type ClientFactory func(device types.DeviceConfig) (modbus.Client, error)

// PooledConnection is one live client shared by all devices on a transport.
type PooledConnection struct {
	ID      uuid.UUID
	Key     types.TransportKey
	Client  modbus.Client
	Devices []types.DeviceConfig
}

// Manager owns the connection pool: exactly one client per transport key.
type Manager struct {
	store   *Store
	maps    *MapLoader
	factory ClientFactory
	logger  *zap.Logger
	metrics *metrics.Collectors

	mu   sync.RWMutex
	pool map[types.TransportKey]*PooledConnection
	// keys in the order they were pooled
	order []types.TransportKey
}

func NewManager(store *Store, maps *MapLoader, factory ClientFactory, logger *zap.Logger, m *metrics.Collectors) *Manager {
	return &Manager{
		store:   store,
		maps:    maps,
		factory: factory,
		logger:  logger,
		metrics: m,
		pool:    make(map[types.TransportKey]*PooledConnection),
	}
}

// Open loads the enabled devices from the store and pools them.
// Only an unreadable store fails the call; device and transport problems are
// logged and skipped.
func (m *Manager) Open(ctx context.Context) error {
	devices, invalid, err := m.store.Devices()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrConfig, err)
	}

	for name, err := range invalid {
		m.logger.Warn("Skipping device with invalid config",
			zap.String("device", name),
			zap.Error(err))
	}

	// map files may have been edited since the last connect
	m.maps.ClearCache()

	m.Configure(ctx, devices)
	return nil
}

// Configure groups devices by transport key and connects one client per key
// that is not pooled yet. It returns the number of live connections.
func (m *Manager) Configure(ctx context.Context, devices []types.DeviceConfig) int {
	groups, keys := m.group(devices)

	for _, key := range keys {
		if ctx.Err() != nil {
			m.logger.Warn("Pool setup interrupted", zap.Error(ctx.Err()))
			break
		}

		group := groups[key]

		m.mu.RLock()
		existing, pooled := m.pool[key]
		m.mu.RUnlock()

		if pooled {
			m.mu.Lock()
			existing.Devices = group
			m.mu.Unlock()
			continue
		}

		client, err := m.factory(group[0])
		if err != nil {
			m.logger.Error("Failed to create client, skipping transport",
				zap.String("transport", string(key)),
				zap.Error(err))
			continue
		}

		if err := client.Connect(); err != nil {
			m.logger.Error("Transport connect failed, skipping its devices",
				zap.String("transport", string(key)),
				zap.Int("devices", len(group)),
				zap.Error(err))
			if cerr := client.Close(); cerr != nil {
				m.logger.Debug("Close after failed connect", zap.Error(cerr))
			}
			continue
		}

		conn := &PooledConnection{
			ID:      uuid.New(),
			Key:     key,
			Client:  client,
			Devices: group,
		}

		m.mu.Lock()
		m.pool[key] = conn
		m.order = append(m.order, key)
		m.mu.Unlock()

		m.logger.Info("Transport connected",
			zap.String("transport", string(key)),
			zap.String("connection_id", conn.ID.String()),
			zap.Int("devices", len(group)))
	}

	n := m.Len()
	m.metrics.SetPooledConnections(n)
	return n
}

// group validates and resolves every device and buckets them by transport,
// keeping first-seen key order.
func (m *Manager) group(devices []types.DeviceConfig) (map[types.TransportKey][]types.DeviceConfig, []types.TransportKey) {
	groups := make(map[types.TransportKey][]types.DeviceConfig)
	keys := make([]types.TransportKey, 0)

	for _, device := range devices {
		key := device.TransportKey()
		if key == "" {
			m.logger.Warn("Device has no transport locator, skipping",
				zap.String("device", device.Name),
				zap.String("protocol", string(device.Protocol)))
			continue
		}

		if err := device.Validate(); err != nil {
			m.logger.Warn("Skipping device", zap.String("device", device.Name), zap.Error(err))
			continue
		}

		resolved, err := m.maps.Resolve(device)
		if err != nil {
			m.logger.Warn("Skipping device", zap.String("device", device.Name), zap.Error(err))
			continue
		}

		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], resolved)
	}

	return groups, keys
}

// CloseAll closes every pooled client and empties the pool.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for _, key := range m.order {
		conn := m.pool[key]
		if cerr := conn.Client.Close(); cerr != nil {
			m.logger.Error("Failed to close transport",
				zap.String("transport", string(key)),
				zap.Error(cerr))
			err = multierr.Append(err, fmt.Errorf("close %s: %w", key, cerr))
			continue
		}
		m.logger.Info("Transport closed", zap.String("transport", string(key)))
	}

	m.pool = make(map[types.TransportKey]*PooledConnection)
	m.order = nil
	m.metrics.SetPooledConnections(0)

	return err
}

// Connections returns a snapshot of the pool in pooling order.
func (m *Manager) Connections() []PooledConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]PooledConnection, 0, len(m.order))
	for _, key := range m.order {
		conn := m.pool[key]
		devices := make([]types.DeviceConfig, len(conn.Devices))
		copy(devices, conn.Devices)
		conns = append(conns, PooledConnection{
			ID:      conn.ID,
			Key:     conn.Key,
			Client:  conn.Client,
			Devices: devices,
		})
	}

	return conns
}

// Targets adapts the pool snapshot for the poller.
func (m *Manager) Targets() []modbus.Target {
	conns := m.Connections()
	targets := make([]modbus.Target, 0, len(conns))
	for _, c := range conns {
		targets = append(targets, modbus.Target{Key: c.Key, Client: c.Client, Devices: c.Devices})
	}
	return targets
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pool)
}

// Store returns the device store backing the pool.
func (m *Manager) Store() *Store {
	return m.store
}
