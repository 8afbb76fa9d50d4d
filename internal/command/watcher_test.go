package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/gatewayems/internal/config"
	"github.com/KevinKickass/gatewayems/internal/machine"
	"github.com/KevinKickass/gatewayems/internal/types"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

type doneWaiter struct {
	err error
}

func (w doneWaiter) Wait(time.Duration) error { return w.err }

type recordingSubmitter struct {
	mu      sync.Mutex
	signals []machine.Signal
	waitErr error
}

func (s *recordingSubmitter) Submit(ctx context.Context, sig machine.Signal) (Waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return doneWaiter{err: s.waitErr}, nil
}

func (s *recordingSubmitter) submitted() []machine.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]machine.Signal(nil), s.signals...)
}

func testCommandConfig(t *testing.T) config.CommandConfig {
	return config.CommandConfig{
		Path:              filepath.Join(t.TempDir(), "command.json"),
		ConnectKey:        "ModbusConnect",
		ReadKey:           "ModbusStartRead",
		FallbackInterval:  10 * time.Millisecond,
		MaxWorkers:        2,
		TransitionTimeout: time.Second,
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestWatcher(t *testing.T, cfg config.CommandConfig) (*Watcher, *recordingSubmitter) {
	sub := &recordingSubmitter{}
	w, err := NewWatcher(cfg, sub, zaptest.NewLogger(t))
	assert.NilError(t, err)
	t.Cleanup(w.Stop)
	return w, sub
}

func TestCheckDetectsEdgesOnly(t *testing.T) {
	cfg := testCommandConfig(t)
	w, sub := newTestWatcher(t, cfg)
	ctx := context.Background()

	write(t, cfg.Path, `{"ModbusConnect": false}`)
	w.Check(ctx)
	write(t, cfg.Path, `{"ModbusConnect": true, "ModbusStartRead": false}`)
	w.Check(ctx)
	write(t, cfg.Path, `{"ModbusConnect": true, "ModbusStartRead": false, "note": "spurious"}`)
	w.Check(ctx)
	write(t, cfg.Path, `{"ModbusConnect": true, "ModbusStartRead": true}`)
	w.Check(ctx)

	assert.DeepEqual(t, sub.submitted(), []machine.Signal{
		{},
		{Connect: true},
		{Connect: true, ReadStart: true},
	})
	assert.Equal(t, w.State().Previous(), machine.Signal{Connect: true})
}

func TestMalformedContentKeepsState(t *testing.T) {
	cfg := testCommandConfig(t)
	w, sub := newTestWatcher(t, cfg)
	ctx := context.Background()

	write(t, cfg.Path, `{"ModbusConnect": true}`)
	w.Check(ctx)

	for _, bad := range []string{
		`{"ModbusConnect": tr`,
		``,
		`[true, false]`,
		`{"ModbusConnect": "yes"}`,
	} {
		write(t, cfg.Path, bad)
		w.Check(ctx)
	}

	current, seen := w.State().Current()
	assert.Assert(t, seen)
	assert.Equal(t, current, machine.Signal{Connect: true})

	write(t, cfg.Path, `{"ModbusConnect": true, "ModbusStartRead": true}`)
	w.Check(ctx)

	assert.DeepEqual(t, sub.submitted(), []machine.Signal{
		{Connect: true},
		{Connect: true, ReadStart: true},
	})
}

func TestDecodeWrapsErrors(t *testing.T) {
	w, _ := newTestWatcher(t, testCommandConfig(t))

	_, err := w.decode([]byte(`{"ModbusStartRead": 1}`))
	assert.Assert(t, errors.Is(err, types.ErrWatcherDecode))

	sig, err := w.decode([]byte(`{}`))
	assert.NilError(t, err)
	assert.Equal(t, sig, machine.Signal{})
}

func TestMissingFileIsNoChange(t *testing.T) {
	cfg := testCommandConfig(t)
	w, sub := newTestWatcher(t, cfg)

	w.Check(context.Background())

	_, seen := w.State().Current()
	assert.Assert(t, !seen)
	assert.Equal(t, len(sub.submitted()), 0)
}

func waitForSignals(t *testing.T, sub *recordingSubmitter, n int) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := len(sub.submitted()); got >= n {
			return poll.Success()
		}
		return poll.Continue("have %d submissions, want %d", len(sub.submitted()), n)
	}, poll.WithTimeout(3*time.Second), poll.WithDelay(5*time.Millisecond))
}

func TestWatcherPolling(t *testing.T) {
	cfg := testCommandConfig(t)
	cfg.PollInterval = 5 * time.Millisecond
	w, sub := newTestWatcher(t, cfg)

	write(t, cfg.Path, `{"ModbusConnect": true}`)
	assert.NilError(t, w.Start(context.Background()))

	// initial check
	waitForSignals(t, sub, 1)

	write(t, cfg.Path, `{"ModbusConnect": false}`)
	waitForSignals(t, sub, 2)
	assert.Equal(t, sub.submitted()[1], machine.Signal{})
}

func TestWatcherNotifications(t *testing.T) {
	cfg := testCommandConfig(t)
	w, sub := newTestWatcher(t, cfg)

	assert.NilError(t, w.Start(context.Background()))

	write(t, cfg.Path, `{"ModbusConnect": true, "ModbusStartRead": true}`)
	waitForSignals(t, sub, 1)
	assert.Equal(t, sub.submitted()[0], machine.Signal{Connect: true, ReadStart: true})
}

func TestFailedTransitionDoesNotStopWatcher(t *testing.T) {
	cfg := testCommandConfig(t)
	cfg.PollInterval = 5 * time.Millisecond
	w, sub := newTestWatcher(t, cfg)
	sub.waitErr = types.ErrTransitionTimeout

	assert.NilError(t, w.Start(context.Background()))

	write(t, cfg.Path, `{"ModbusConnect": true}`)
	waitForSignals(t, sub, 1)
	write(t, cfg.Path, `{"ModbusConnect": false}`)
	waitForSignals(t, sub, 2)
}
