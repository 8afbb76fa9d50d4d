package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/gatewayems/internal/types"
	gmodbus "github.com/goburrow/modbus"
)

// Client is the protocol capability the pool and the reader depend on.
// Implementations must be safe for concurrent use.
type Client interface {
	Connect() error
	Connected() bool
	Close() error
	ReadHoldingRegisters(ctx context.Context, slave uint8, address, quantity uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, slave uint8, address, quantity uint16) ([]uint16, error)
}

// IsExceptionResponse reports whether err is a Modbus exception returned by
// the device, as opposed to a transport failure.
func IsExceptionResponse(err error) bool {
	var mbErr *gmodbus.ModbusError
	return errors.As(err, &mbErr)
}

// handler is the part of goburrow's client handlers we drive directly.
type handler interface {
	gmodbus.ClientHandler
	Connect() error
	Close() error
}

// TransportClient is one goburrow handler shared by every slave on a
// transport. Requests are serialized because the slave id lives on the
// handler.
type TransportClient struct {
	key       types.TransportKey
	handler   handler
	client    gmodbus.Client
	setSlave  func(slave uint8)
	mu        sync.Mutex
	connected bool
	// stale is set after a transport error; the handler is redialed on the
	// next request instead of failing every sibling read.
	stale bool
}

// NewTCPClient creates an unconnected client for a Modbus TCP device.
func NewTCPClient(device types.DeviceConfig, timeout time.Duration) *TransportClient {
	h := gmodbus.NewTCPClientHandler(device.Address())
	h.Timeout = timeout

	return &TransportClient{
		key:      device.TransportKey(),
		handler:  h,
		client:   gmodbus.NewClient(h),
		setSlave: func(slave uint8) { h.SlaveId = slave },
	}
}

// NewRTUClient creates an unconnected client for a serial line.
func NewRTUClient(device types.DeviceConfig, timeout time.Duration) *TransportClient {
	h := gmodbus.NewRTUClientHandler(device.SerialPort)
	h.BaudRate = device.BaudRate
	h.DataBits = device.DataBits
	h.Parity = device.Parity
	h.StopBits = device.StopBits
	h.Timeout = timeout

	return &TransportClient{
		key:      device.TransportKey(),
		handler:  h,
		client:   gmodbus.NewClient(h),
		setSlave: func(slave uint8) { h.SlaveId = slave },
	}
}

// NewClient picks the client variant for the device protocol.
func NewClient(device types.DeviceConfig, timeout time.Duration) (Client, error) {
	switch device.Protocol {
	case types.ProtocolRTU:
		return NewRTUClient(device, timeout), nil
	case types.ProtocolTCP:
		return NewTCPClient(device, timeout), nil
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", types.ErrConfig, device.Protocol)
	}
}

// Connect opens the transport. Calling it on an open client is a no-op.
func (c *TransportClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	if err := c.handler.Connect(); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrConnection, c.key, err)
	}

	c.connected = true
	return nil
}

func (c *TransportClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close is idempotent.
func (c *TransportClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	c.connected = false
	c.stale = false
	return c.handler.Close()
}

func (c *TransportClient) ReadHoldingRegisters(ctx context.Context, slave uint8, address, quantity uint16) ([]uint16, error) {
	return c.read(ctx, slave, func() ([]byte, error) {
		return c.client.ReadHoldingRegisters(address, quantity)
	})
}

func (c *TransportClient) ReadInputRegisters(ctx context.Context, slave uint8, address, quantity uint16) ([]uint16, error) {
	return c.read(ctx, slave, func() ([]byte, error) {
		return c.client.ReadInputRegisters(address, quantity)
	})
}

func (c *TransportClient) read(ctx context.Context, slave uint8, do func() ([]byte, error)) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.connected {
		return nil, fmt.Errorf("%w: %s: not connected", types.ErrConnection, c.key)
	}
	if c.stale {
		if err := c.handler.Connect(); err != nil {
			return nil, fmt.Errorf("%w: %s: reconnect: %v", types.ErrConnection, c.key, err)
		}
		c.stale = false
	}

	c.setSlave(slave)
	raw, err := do()
	if err != nil {
		if !IsExceptionResponse(err) {
			// drop whatever is left of the failed exchange on the wire
			c.handler.Close()
			c.stale = true
		}
		return nil, err
	}

	return decodeRegisters(raw), nil
}

func decodeRegisters(raw []byte) []uint16 {
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return out
}
