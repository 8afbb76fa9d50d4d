package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/gatewayems/internal/metrics"
	"github.com/KevinKickass/gatewayems/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const taskStopGrace = time.Second

// Pool is the connection side the controller opens and closes.
type Pool interface {
	Open(ctx context.Context) error
	CloseAll() error
	Len() int
}

// Task is the polling work started in ConnectedReading. Run must return
// promptly once ctx is cancelled.
type Task interface {
	Run(ctx context.Context) error
}

type taskRun struct {
	id     uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Controller drives the Disconnected / ConnectedIdle / ConnectedReading
// state machine. Apply is meant to be called from a single goroutine.
type Controller struct {
	logger  *zap.Logger
	pool    Pool
	task    Task
	metrics *metrics.Collectors

	mu              sync.RWMutex
	currentState    State
	run             *taskRun
	errorMessage    string
	transitions     int
	lastStateChange time.Time
}

func NewController(logger *zap.Logger, pool Pool, task Task, m *metrics.Collectors) *Controller {
	return &Controller{
		logger:          logger,
		pool:            pool,
		task:            task,
		metrics:         m,
		currentState:    StateDisconnected,
		lastStateChange: time.Now(),
	}
}

// Apply moves the machine towards sig until the state is stable, so
// {connect, read} from Disconnected connects and starts reading in one call.
func (c *Controller) Apply(ctx context.Context, sig Signal) error {
	c.logger.Info("Command received",
		zap.Bool("connect", sig.Connect),
		zap.Bool("read_start", sig.ReadStart),
		zap.String("state", string(c.State())))

	for {
		state := c.State()

		switch {
		case state == StateDisconnected && sig.Connect:
			if err := c.connect(ctx); err != nil {
				return err
			}

		case state == StateDisconnected && sig.ReadStart:
			c.logger.Warn("Read requested without connection, ignoring")
			return nil

		case state == StateConnectedIdle && !sig.Connect:
			c.disconnect()

		case state == StateConnectedIdle && sig.ReadStart:
			if err := c.startTask(); err != nil {
				return err
			}

		case state == StateConnectedReading && (!sig.Connect || !sig.ReadStart):
			if err := c.stopTask(ctx); err != nil {
				return err
			}

		default:
			return nil
		}
	}
}

func (c *Controller) connect(ctx context.Context) error {
	if err := c.pool.Open(ctx); err != nil {
		c.setError(err)
		c.logger.Error("Failed to open connections", zap.Error(err))
		return fmt.Errorf("open connections: %w", err)
	}

	n := c.pool.Len()
	if n == 0 {
		c.logger.Warn("No transport connected, staying idle without connections")
	}

	c.setState(StateConnectedIdle)
	c.logger.Info("Connections opened", zap.Int("connections", n))
	return nil
}

func (c *Controller) disconnect() {
	if err := c.pool.CloseAll(); err != nil {
		c.setError(err)
		c.logger.Error("Errors while closing connections", zap.Error(err))
	}
	c.setState(StateDisconnected)
}

func (c *Controller) startTask() error {
	c.mu.Lock()
	if c.run != nil {
		id := c.run.id
		c.mu.Unlock()
		c.logger.DPanic("Polling task already active", zap.String("task_id", id.String()))
		return types.ErrTaskActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &taskRun{
		id:     uuid.New(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.run = run
	c.setStateLocked(StateConnectedReading)
	c.mu.Unlock()

	c.logger.Info("Polling task started", zap.String("task_id", run.id.String()))

	go func() {
		err := c.task.Run(ctx)

		c.mu.Lock()
		run.err = err
		if c.run == run {
			// ended without being cancelled by the controller
			c.run = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				c.errorMessage = err.Error()
			}
			c.setStateLocked(StateConnectedIdle)
			if errors.Is(err, context.Canceled) {
				c.logger.Info("Polling task stopped late", zap.String("task_id", run.id.String()))
			} else {
				c.logger.Error("Polling task exited on its own",
					zap.String("task_id", run.id.String()),
					zap.Error(err))
			}
		}
		c.mu.Unlock()

		cancel()
		close(run.done)
	}()

	return nil
}

// stopTask cancels the running task and waits for it. Cancellation is the
// expected outcome and is not reported as a failure.
func (c *Controller) stopTask(ctx context.Context) error {
	c.mu.Lock()
	run := c.run
	c.run = nil
	c.mu.Unlock()

	if run != nil {
		run.cancel()

		if err := awaitRun(ctx, run); err != nil {
			// the task is still winding down, keep tracking it
			c.mu.Lock()
			if c.run == nil {
				c.run = run
			}
			c.mu.Unlock()
			return fmt.Errorf("waiting for polling task %s: %w", run.id, err)
		}

		if run.err != nil && !errors.Is(run.err, context.Canceled) {
			c.setError(run.err)
			c.logger.Warn("Polling task ended with error",
				zap.String("task_id", run.id.String()),
				zap.Error(run.err))
		}
		c.logger.Info("Polling task stopped", zap.String("task_id", run.id.String()))
	}

	c.setState(StateConnectedIdle)
	return nil
}

// awaitRun waits for a cancelled run. Once ctx is done the run still gets
// taskStopGrace to finish.
func awaitRun(ctx context.Context, run *taskRun) error {
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
	}

	grace := time.NewTimer(taskStopGrace)
	defer grace.Stop()

	select {
	case <-run.done:
		return nil
	case <-grace.C:
		return ctx.Err()
	}
}

// Shutdown stops any task and closes every connection.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.Apply(ctx, Signal{})
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(state)
}

func (c *Controller) setStateLocked(state State) {
	if c.currentState == state {
		return
	}

	previous := c.currentState
	c.currentState = state
	c.transitions++
	c.lastStateChange = time.Now()
	c.metrics.ObserveTransition(string(state))

	c.logger.Info("Orchestrator state changed",
		zap.String("from", string(previous)),
		zap.String("state", string(state)))
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorMessage = err.Error()
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentState
}

func (c *Controller) GetStatus() Status {
	c.mu.RLock()
	status := Status{
		State:           c.currentState,
		LastError:       c.errorMessage,
		Transitions:     c.transitions,
		LastStateChange: c.lastStateChange,
	}
	if c.run != nil {
		status.TaskID = c.run.id.String()
	}
	c.mu.RUnlock()

	status.Connections = c.pool.Len()
	return status
}
