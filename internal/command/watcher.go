package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KevinKickass/gatewayems/internal/config"
	"github.com/KevinKickass/gatewayems/internal/machine"
	"github.com/KevinKickass/gatewayems/internal/types"
	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Waiter is the handle returned for one submitted transition.
type Waiter interface {
	Wait(timeout time.Duration) error
}

// Submitter hands detected transitions to the orchestrator.
type Submitter interface {
	Submit(ctx context.Context, sig machine.Signal) (Waiter, error)
}

const commandSchemaURL = "command.json"

// Watcher observes the command file and submits a transition whenever the
// decoded pair changes.
type Watcher struct {
	cfg       config.CommandConfig
	path      string
	submitter Submitter
	schema    *jsonschema.Schema
	state     *State
	waiters   *semaphore.Weighted
	logger    *zap.Logger

	checkMu sync.Mutex
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	pending sync.WaitGroup
}

func NewWatcher(cfg config.CommandConfig, submitter Submitter, logger *zap.Logger) (*Watcher, error) {
	schema, err := compileCommandSchema(cfg.ConnectKey, cfg.ReadKey)
	if err != nil {
		return nil, err
	}

	maxWorkers := cfg.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	return &Watcher{
		cfg:       cfg,
		path:      filepath.Clean(cfg.Path),
		submitter: submitter,
		schema:    schema,
		state:     &State{},
		waiters:   semaphore.NewWeighted(int64(maxWorkers)),
		logger:    logger.With(zap.String("command_file", cfg.Path)),
	}, nil
}

// compileCommandSchema builds a schema requiring both configured keys, when
// present, to be booleans. Other keys are allowed.
func compileCommandSchema(connectKey, readKey string) (*jsonschema.Schema, error) {
	doc := map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			connectKey: map[string]any{"type": "boolean"},
			readKey:    map[string]any{"type": "boolean"},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build command schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(commandSchemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add command schema: %w", err)
	}
	schema, err := compiler.Compile(commandSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile command schema: %w", err)
	}
	return schema, nil
}

func (w *Watcher) State() *State {
	return w.state
}

// Start runs an initial check and then observes the file until Stop.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.Check(ctx)

	if w.cfg.PollInterval > 0 {
		w.startPolling(ctx, w.cfg.PollInterval)
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("File notifications unavailable, polling instead", zap.Error(err))
		w.startPolling(ctx, w.cfg.FallbackInterval)
		return nil
	}

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		w.logger.Warn("Cannot watch command directory, polling instead",
			zap.String("dir", dir),
			zap.Error(err))
		w.startPolling(ctx, w.cfg.FallbackInterval)
		return nil
	}

	w.logger.Info("Watching command file", zap.String("dir", dir))

	w.loops.Add(1)
	go w.notifyLoop(ctx, fsw)
	return nil
}

// Stop ends observation and waits for outstanding transition waits.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.loops.Wait()
	w.pending.Wait()
	w.logger.Info("Command watcher stopped")
}

func (w *Watcher) notifyLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.loops.Done()
	defer fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.Check(ctx)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) startPolling(ctx context.Context, interval time.Duration) {
	w.logger.Info("Polling command file", zap.Duration("interval", interval))

	w.loops.Add(1)
	go func() {
		defer w.loops.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Check(ctx)
			}
		}
	}()
}

// Check reads the file once and submits a transition if the pair changed.
// Read and decode failures leave the state untouched.
func (w *Watcher) Check(ctx context.Context) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.logger.Debug("Command file absent")
			return
		}
		w.logger.Warn("Cannot read command file", zap.Error(err))
		return
	}

	sig, err := w.decode(data)
	if err != nil {
		w.logger.Warn("Ignoring command file content", zap.Error(err))
		return
	}

	previous, _ := w.state.Current()
	if !w.state.Update(sig) {
		return
	}

	w.logger.Info("Command changed",
		zap.Bool("connect", sig.Connect),
		zap.Bool("connect_changed", sig.Connect != previous.Connect),
		zap.Bool("read_start", sig.ReadStart),
		zap.Bool("read_changed", sig.ReadStart != previous.ReadStart))

	waiter, err := w.submitter.Submit(ctx, sig)
	if err != nil {
		w.logger.Error("Failed to submit transition", zap.Error(err))
		return
	}

	w.await(sig, waiter)
}

func (w *Watcher) decode(data []byte) (machine.Signal, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return machine.Signal{}, fmt.Errorf("%w: %v", types.ErrWatcherDecode, err)
	}
	if err := w.schema.Validate(doc); err != nil {
		return machine.Signal{}, fmt.Errorf("%w: %v", types.ErrWatcherDecode, err)
	}

	fields := doc.(map[string]any)
	connect, _ := fields[w.cfg.ConnectKey].(bool)
	readStart, _ := fields[w.cfg.ReadKey].(bool)

	return machine.Signal{Connect: connect, ReadStart: readStart}, nil
}

// await waits for the transition on the bounded worker pool. When the pool is
// full the outcome is not awaited; the transition itself still runs.
func (w *Watcher) await(sig machine.Signal, waiter Waiter) {
	if !w.waiters.TryAcquire(1) {
		w.logger.Warn("Worker pool full, not awaiting transition",
			zap.Bool("connect", sig.Connect),
			zap.Bool("read_start", sig.ReadStart))
		return
	}

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		defer w.waiters.Release(1)

		err := waiter.Wait(w.cfg.TransitionTimeout)
		switch {
		case errors.Is(err, types.ErrTransitionTimeout):
			w.logger.Error("Transition timed out",
				zap.Bool("connect", sig.Connect),
				zap.Bool("read_start", sig.ReadStart),
				zap.Duration("timeout", w.cfg.TransitionTimeout))
		case err != nil:
			w.logger.Error("Transition failed",
				zap.Bool("connect", sig.Connect),
				zap.Bool("read_start", sig.ReadStart),
				zap.Error(err))
		default:
			w.logger.Info("Transition completed",
				zap.Bool("connect", sig.Connect),
				zap.Bool("read_start", sig.ReadStart))
		}
	}()
}
