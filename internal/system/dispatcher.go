package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/gatewayems/internal/machine"
	"github.com/KevinKickass/gatewayems/internal/types"
	"go.uber.org/zap"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Handler runs one transition. The dispatcher never calls it concurrently.
type Handler func(ctx context.Context, sig machine.Signal) error

// Pending is the handle on one submitted transition.
type Pending struct {
	Signal machine.Signal
	done   chan struct{}
	err    error
}

// Wait blocks until the transition finished or timeout elapsed. On timeout
// the transition keeps running; its outcome is only observable in the logs.
func (p *Pending) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.err
	case <-timer.C:
		return fmt.Errorf("%w after %s", types.ErrTransitionTimeout, timeout)
	}
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

type request struct {
	ctx     context.Context
	pending *Pending
}

// Dispatcher serializes transitions on a single consumer goroutine.
type Dispatcher struct {
	handler Handler
	queue   chan request
	logger  *zap.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	// closing releases submitters blocked on a full queue
	closing chan struct{}

	// submitting counts Submit calls that may still send on queue
	submitting sync.WaitGroup
}

func NewDispatcher(handler Handler, buffer int, logger *zap.Logger) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	return &Dispatcher{
		handler: handler,
		queue:   make(chan request, buffer),
		closing: make(chan struct{}),
		logger:  logger,
	}
}

// Start launches the consumer. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.closed {
		return
	}
	d.started = true

	d.wg.Add(1)
	go d.run()
}

// Submit enqueues sig. It blocks only while the queue is full, and returns
// ErrDispatcherClosed if Close runs meanwhile.
func (d *Dispatcher) Submit(ctx context.Context, sig machine.Signal) (*Pending, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrDispatcherClosed
	}
	d.submitting.Add(1)
	d.mu.RUnlock()
	defer d.submitting.Done()

	p := &Pending{Signal: sig, done: make(chan struct{})}
	select {
	case d.queue <- request{ctx: ctx, pending: p}:
		return p, nil
	case <-d.closing:
		return nil, ErrDispatcherClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting work and waits until queued transitions ran.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.closing)
	started := d.started
	d.mu.Unlock()

	// no sender is left once in-flight submits returned
	d.submitting.Wait()
	close(d.queue)

	if !started {
		for req := range d.queue {
			req.pending.err = ErrDispatcherClosed
			close(req.pending.done)
		}
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for req := range d.queue {
		req.pending.err = d.execute(req)
		close(req.pending.done)
	}
}

func (d *Dispatcher) execute(req request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Transition panicked", zap.Any("panic", r))
			err = fmt.Errorf("transition panicked: %v", r)
		}
	}()

	start := time.Now()
	err = d.handler(req.ctx, req.pending.Signal)

	fields := []zap.Field{
		zap.Bool("connect", req.pending.Signal.Connect),
		zap.Bool("read_start", req.pending.Signal.ReadStart),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		d.logger.Error("Transition failed", append(fields, zap.Error(err))...)
	} else {
		d.logger.Debug("Transition done", fields...)
	}
	return err
}
