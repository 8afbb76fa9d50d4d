package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/gatewayems/internal/types"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

const testTimeout = 100 * time.Millisecond

// tcpServer is a minimal Modbus TCP slave. Register i of a read starting at
// address a on unit u holds u*1000 + a + i. Units in silent never answer;
// units in exceptions answer with that exception code.
type tcpServer struct {
	ln         net.Listener
	silent     map[uint8]bool
	exceptions map[uint8]byte
	accepted   atomic.Int32
	requests   atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func newTCPServer(t *testing.T, setup ...func(*tcpServer)) *tcpServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)

	s := &tcpServer{
		ln:         ln,
		silent:     make(map[uint8]bool),
		exceptions: make(map[uint8]byte),
	}
	for _, f := range setup {
		f(s)
	}

	s.wg.Add(1)
	go s.accept()

	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})

	return s
}

func (s *tcpServer) device() types.DeviceConfig {
	addr := s.ln.Addr().(*net.TCPAddr)
	return types.DeviceConfig{
		Name:     "loopback",
		Protocol: types.ProtocolTCP,
		Host:     addr.IP.String(),
		Port:     addr.Port,
	}
}

func (s *tcpServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *tcpServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		pdu := make([]byte, binary.BigEndian.Uint16(header[4:])-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		s.requests.Add(1)

		unit := header[6]
		if s.silent[unit] {
			continue
		}

		var body []byte
		if code, ok := s.exceptions[unit]; ok {
			body = []byte{pdu[0] | 0x80, code}
		} else {
			address := binary.BigEndian.Uint16(pdu[1:])
			quantity := binary.BigEndian.Uint16(pdu[3:])
			body = make([]byte, 2+2*int(quantity))
			body[0] = pdu[0]
			body[1] = byte(2 * quantity)
			for i := uint16(0); i < quantity; i++ {
				binary.BigEndian.PutUint16(body[2+2*i:], uint16(unit)*1000+address+i)
			}
		}

		resp := make([]byte, 7+len(body))
		copy(resp, header[:4])
		binary.BigEndian.PutUint16(resp[4:], uint16(1+len(body)))
		resp[6] = unit
		copy(resp[7:], body)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func TestTCPClientConnectCloseIdempotent(t *testing.T) {
	server := newTCPServer(t)
	client := NewTCPClient(server.device(), testTimeout)

	assert.Check(t, !client.Connected())
	assert.NilError(t, client.Connect())
	assert.NilError(t, client.Connect())
	assert.Check(t, client.Connected())

	regs, err := client.ReadHoldingRegisters(context.Background(), 1, 10, 2)
	assert.NilError(t, err)
	assert.DeepEqual(t, regs, []uint16{1010, 1011})
	assert.Equal(t, server.accepted.Load(), int32(1))

	assert.NilError(t, client.Close())
	assert.NilError(t, client.Close())
	assert.Check(t, !client.Connected())

	_, err = client.ReadHoldingRegisters(context.Background(), 1, 10, 2)
	assert.Check(t, errors.Is(err, types.ErrConnection))
}

func TestTCPClientConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	client := NewTCPClient(types.DeviceConfig{
		Protocol: types.ProtocolTCP,
		Host:     addr.IP.String(),
		Port:     addr.Port,
	}, testTimeout)

	err = client.Connect()
	assert.Check(t, errors.Is(err, types.ErrConnection))
	assert.Check(t, !client.Connected())
}

func TestTCPClientExceptionKeepsConnection(t *testing.T) {
	server := newTCPServer(t, func(s *tcpServer) { s.exceptions[3] = 0x02 })

	client := NewTCPClient(server.device(), testTimeout)
	assert.NilError(t, client.Connect())
	defer client.Close()

	_, err := client.ReadInputRegisters(context.Background(), 3, 0, 1)
	assert.Assert(t, err != nil)
	assert.Check(t, IsExceptionResponse(err))

	regs, err := client.ReadInputRegisters(context.Background(), 1, 0, 1)
	assert.NilError(t, err)
	assert.DeepEqual(t, regs, []uint16{1000})
	assert.Equal(t, server.accepted.Load(), int32(1))
}

func TestTCPClientTransportErrorKeepsSiblingsReadable(t *testing.T) {
	server := newTCPServer(t, func(s *tcpServer) { s.silent[2] = true })

	client := NewTCPClient(server.device(), testTimeout)
	assert.NilError(t, client.Connect())
	defer client.Close()

	_, err := client.ReadHoldingRegisters(context.Background(), 2, 0, 1)
	assert.Assert(t, err != nil)
	assert.Check(t, !IsExceptionResponse(err))
	assert.Check(t, client.Connected())

	regs, err := client.ReadHoldingRegisters(context.Background(), 1, 5, 2)
	assert.NilError(t, err)
	assert.DeepEqual(t, regs, []uint16{1005, 1006})
	assert.Equal(t, server.accepted.Load(), int32(2))
}

func TestTCPClientCancelledContextSendsNothing(t *testing.T) {
	server := newTCPServer(t)
	client := NewTCPClient(server.device(), testTimeout)
	assert.NilError(t, client.Connect())
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ReadHoldingRegisters(ctx, 1, 0, 1)
	assert.Check(t, errors.Is(err, context.Canceled))
	assert.Equal(t, server.requests.Load(), int32(0))
}

func TestReadOverTCPIsolatesSilentSlave(t *testing.T) {
	server := newTCPServer(t, func(s *tcpServer) { s.silent[2] = true })

	client := NewTCPClient(server.device(), testTimeout)
	assert.NilError(t, client.Connect())
	defer client.Close()

	result, err := newTestReader(t).Read(context.Background(), client, Request{
		Slaves:       []uint8{1, 2},
		Addresses:    []uint16{0, 10, 20},
		Counts:       []uint16{1, 1, 1},
		FunctionCode: types.FuncCodeReadHoldingRegisters,
	})

	assert.NilError(t, err)
	assert.DeepEqual(t, result[1], []uint16{1000, 1010, 1020})
	assert.Check(t, is.Len(result[2], 0))
	assert.Check(t, client.Connected())
}

func TestNewClientByProtocol(t *testing.T) {
	rtu, err := NewClient(types.DeviceConfig{
		Protocol:   types.ProtocolRTU,
		SerialPort: "/dev/ttyUSB0",
		BaudRate:   9600,
		Parity:     "N",
		DataBits:   8,
		StopBits:   1,
	}, testTimeout)
	assert.NilError(t, err)
	assert.Check(t, !rtu.Connected())
	assert.Equal(t, rtu.(*TransportClient).key, types.TransportKey("/dev/ttyUSB0"))

	_, err = NewClient(types.DeviceConfig{Protocol: "UDP"}, testTimeout)
	assert.Check(t, errors.Is(err, types.ErrConfig))
}
