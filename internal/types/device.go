package types

import (
	"fmt"
)

type Protocol string

const (
	ProtocolRTU Protocol = "RTU"
	ProtocolTCP Protocol = "TCP"
)

// Modbus read function codes accepted by the register reader
const (
	FuncCodeReadHoldingRegisters uint8 = 0x03
	FuncCodeReadInputRegisters   uint8 = 0x04
)

// TransportKey identifies one physical link: the serial device path for RTU,
// the host for TCP.
type TransportKey string

// RegisterSpan is one (start address, count) pair to poll.
type RegisterSpan struct {
	Address uint16 `json:"address" yaml:"address"`
	Count   uint16 `json:"count" yaml:"count"`
}

// DeviceConfig is one enabled device as loaded from the device store.
type DeviceConfig struct {
	Name       string   `json:"name"`
	DeviceType string   `json:"device_type"`
	Protocol   Protocol `json:"protocol"`

	// RTU
	SerialPort string `json:"serial_port,omitempty"`
	BaudRate   int    `json:"baud_rate,omitempty"`
	Parity     string `json:"parity,omitempty"`
	DataBits   int    `json:"data_bits,omitempty"`
	StopBits   int    `json:"stop_bits,omitempty"`

	// TCP
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	SlaveID      uint8  `json:"slave_id"`
	FunctionCode uint8  `json:"function_code"`
	StartAddress uint16 `json:"start_address"`
	Registers    uint16 `json:"registers"`
	MapPath      string `json:"map_path,omitempty"`

	// Spans is resolved once at pool setup, from MapPath or StartAddress/Registers.
	Spans []RegisterSpan `json:"spans,omitempty"`
}

// TransportKey returns an empty key when the device has no usable locator.
func (d DeviceConfig) TransportKey() TransportKey {
	switch d.Protocol {
	case ProtocolRTU:
		return TransportKey(d.SerialPort)
	case ProtocolTCP:
		return TransportKey(d.Host)
	default:
		return ""
	}
}

// Address is the dial address for TCP devices.
func (d DeviceConfig) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Addresses and Counts split Spans into the parallel lists the reader expects.
func (d DeviceConfig) Addresses() []uint16 {
	out := make([]uint16, len(d.Spans))
	for i, s := range d.Spans {
		out[i] = s.Address
	}
	return out
}

func (d DeviceConfig) Counts() []uint16 {
	out := make([]uint16, len(d.Spans))
	for i, s := range d.Spans {
		out[i] = s.Count
	}
	return out
}

// Validate checks the transport parameters the protocol needs.
func (d DeviceConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: device name is empty", ErrConfig)
	}

	switch d.Protocol {
	case ProtocolRTU:
		if d.BaudRate <= 0 {
			return fmt.Errorf("%w: device %s: invalid baud rate %d", ErrConfig, d.Name, d.BaudRate)
		}
		switch d.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("%w: device %s: invalid parity %q", ErrConfig, d.Name, d.Parity)
		}
		if d.DataBits < 5 || d.DataBits > 8 {
			return fmt.Errorf("%w: device %s: invalid data bits %d", ErrConfig, d.Name, d.DataBits)
		}
		if d.StopBits != 1 && d.StopBits != 2 {
			return fmt.Errorf("%w: device %s: invalid stop bits %d", ErrConfig, d.Name, d.StopBits)
		}
	case ProtocolTCP:
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("%w: device %s: invalid port %d", ErrConfig, d.Name, d.Port)
		}
	default:
		return fmt.Errorf("%w: device %s: unknown protocol %q", ErrConfig, d.Name, d.Protocol)
	}

	if d.FunctionCode != FuncCodeReadHoldingRegisters && d.FunctionCode != FuncCodeReadInputRegisters {
		return fmt.Errorf("%w: device %s: unsupported function code %d", ErrConfig, d.Name, d.FunctionCode)
	}

	return nil
}

// CheckPollable rejects devices that pass Validate but that the pool would
// skip: no transport locator, or nothing to read.
func (d DeviceConfig) CheckPollable() error {
	if d.TransportKey() == "" {
		switch d.Protocol {
		case ProtocolRTU:
			return fmt.Errorf("%w: device %s: serial port is required", ErrConfig, d.Name)
		default:
			return fmt.Errorf("%w: device %s: host is required", ErrConfig, d.Name)
		}
	}
	if d.MapPath == "" && d.Registers == 0 {
		return fmt.Errorf("%w: device %s: needs a register map or a register count", ErrConfig, d.Name)
	}
	return nil
}
