package modbus

import (
	"context"
	"errors"
	"sync"
)

var errTransport = errors.New("transport broken")

type readCall struct {
	slave    uint8
	address  uint16
	quantity uint16
	input    bool
}

// fakeClient returns address+i for register i unless the slave is set to fail.
type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   int
	closes     int
	failSlaves map[uint8]error
	calls      []readCall
	onRead     func()
}

func newFakeClient(connected bool) *fakeClient {
	return &fakeClient{connected: connected, failSlaves: make(map[uint8]error)}
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	return nil
}

func (f *fakeClient) ReadHoldingRegisters(ctx context.Context, slave uint8, address, quantity uint16) ([]uint16, error) {
	return f.read(ctx, readCall{slave: slave, address: address, quantity: quantity})
}

func (f *fakeClient) ReadInputRegisters(ctx context.Context, slave uint8, address, quantity uint16) ([]uint16, error) {
	return f.read(ctx, readCall{slave: slave, address: address, quantity: quantity, input: true})
}

func (f *fakeClient) read(ctx context.Context, call readCall) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.failSlaves[call.slave]
	onRead := f.onRead
	f.mu.Unlock()

	if onRead != nil {
		onRead()
	}
	if err != nil {
		return nil, err
	}

	out := make([]uint16, call.quantity)
	for i := range out {
		out[i] = call.address + uint16(i)
	}
	return out, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
