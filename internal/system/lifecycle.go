package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/gatewayems/internal/command"
	"github.com/KevinKickass/gatewayems/internal/config"
	"github.com/KevinKickass/gatewayems/internal/devices"
	"github.com/KevinKickass/gatewayems/internal/interfaces"
	"github.com/KevinKickass/gatewayems/internal/machine"
	"github.com/KevinKickass/gatewayems/internal/metrics"
	"github.com/KevinKickass/gatewayems/internal/modbus"
	"github.com/KevinKickass/gatewayems/internal/streaming"
	"github.com/KevinKickass/gatewayems/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const dispatchQueueSize = 16

type Option func(*options)

type options struct {
	clientFactory devices.ClientFactory
}

// WithClientFactory replaces the goburrow-backed clients, e.g. in tests.
func WithClientFactory(f devices.ClientFactory) Option {
	return func(o *options) {
		o.clientFactory = f
	}
}

type LifecycleManager struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Collectors

	deviceManager     *devices.Manager
	poller            *modbus.Poller
	machineController *machine.Controller
	dispatcher        *Dispatcher
	watcher           *command.Watcher
	streamer          *streaming.ReadingStreamer

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string

	shutdownOnce sync.Once
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger, opts ...Option) (*LifecycleManager, error) {
	o := options{
		clientFactory: func(device types.DeviceConfig) (modbus.Client, error) {
			return modbus.NewClient(device, cfg.Modbus.DefaultTimeout)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	collectors := metrics.New()

	maps, err := devices.NewMapLoader(cfg.Devices.MapSearchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create register map loader: %w", err)
	}

	store := devices.NewStore(cfg.Devices.StorePath, cfg.Devices.ListSection)
	deviceManager := devices.NewManager(store, maps, o.clientFactory, logger.Named("pool"), collectors)

	streamer := streaming.NewReadingStreamer(logger.Named("stream"))
	reader := modbus.NewReader(logger.Named("reader"), collectors)
	poller := modbus.NewPoller(deviceManager, reader, cfg.Modbus.PollInterval, streamer, logger.Named("poller"), collectors)

	machineController := machine.NewController(logger.Named("orchestrator"), deviceManager, poller, collectors)
	dispatcher := NewDispatcher(machineController.Apply, dispatchQueueSize, logger.Named("dispatcher"))

	watcher, err := command.NewWatcher(cfg.Command, dispatchSubmitter{dispatcher}, logger.Named("watcher"))
	if err != nil {
		return nil, fmt.Errorf("failed to create command watcher: %w", err)
	}

	lm := &LifecycleManager{
		config:            cfg,
		logger:            logger,
		metrics:           collectors,
		deviceManager:     deviceManager,
		poller:            poller,
		machineController: machineController,
		dispatcher:        dispatcher,
		watcher:           watcher,
		streamer:          streamer,
		currentState:      StateInitializing,
	}

	return lm, nil
}

// dispatchSubmitter lets the watcher submit without knowing the dispatcher.
type dispatchSubmitter struct {
	d *Dispatcher
}

func (s dispatchSubmitter) Submit(ctx context.Context, sig machine.Signal) (command.Waiter, error) {
	p, err := s.d.Submit(ctx, sig)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Start launches the dispatcher and the command watcher. Connections are
// only opened once the command file asks for them.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting gateway",
		zap.String("command_file", lm.config.Command.Path),
		zap.String("device_store", lm.config.Devices.StorePath))

	lm.dispatcher.Start()

	if err := lm.watcher.Start(ctx); err != nil {
		lm.setError(fmt.Errorf("failed to start command watcher: %w", err))
		return err
	}

	if err := lm.setState(StateRunning); err != nil {
		return err
	}

	lm.logger.Info("Gateway started")
	return nil
}

// Shutdown stops observing the command file, drains queued transitions and
// then tears down the polling task and every connection.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down gateway")

		if err := lm.setState(StateStopping); err != nil {
			lm.logger.Warn("Unexpected state on shutdown", zap.Error(err))
		}

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.stateMu.Lock()
		lm.currentState = StateStopped
		lm.stateMu.Unlock()
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	done := make(chan error, 1)

	go func() {
		var err error

		lm.watcher.Stop()
		lm.dispatcher.Close()

		if cerr := lm.machineController.Shutdown(ctx); cerr != nil {
			err = fmt.Errorf("orchestrator shutdown failed: %w", cerr)
		}

		lm.streamer.Close()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		lm.logger.Info("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (lm *LifecycleManager) setState(state SystemState) error {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		return err
	}
	lm.currentState = state
	return nil
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err.Error()
	lm.logger.Error("Gateway error", zap.Error(err))
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	orchestrator := lm.machineController.GetStatus()

	deviceCount := 0
	for _, c := range lm.deviceManager.Connections() {
		deviceCount += len(c.Devices)
	}

	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	lastError := lm.lastError
	if lastError == "" {
		lastError = orchestrator.LastError
	}

	return interfaces.SystemStatus{
		State:        lm.currentState.String(),
		Orchestrator: string(orchestrator.State),
		TaskID:       orchestrator.TaskID,
		Connections:  orchestrator.Connections,
		Devices:      deviceCount,
		LastError:    lastError,
	}
}

// Status returns the typed status for in-process callers.
func (lm *LifecycleManager) Status() SystemStatus {
	orchestrator := lm.machineController.GetStatus()

	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	return SystemStatus{
		State:        lm.currentState,
		Orchestrator: orchestrator,
		Timestamp:    time.Now().Unix(),
		Error:        lm.lastError,
	}
}

func (lm *LifecycleManager) SubscribeReadings() (uuid.UUID, <-chan *modbus.PollReport) {
	return lm.streamer.Subscribe()
}

func (lm *LifecycleManager) UnsubscribeReadings(id uuid.UUID) {
	lm.streamer.Unsubscribe(id)
}

// DeviceManager returns the connection pool
func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

// MachineController returns the orchestrator
func (lm *LifecycleManager) MachineController() *machine.Controller {
	return lm.machineController
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Metrics() *metrics.Collectors {
	return lm.metrics
}
