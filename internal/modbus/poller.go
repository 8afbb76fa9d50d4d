package modbus

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/gatewayems/internal/metrics"
	"github.com/KevinKickass/gatewayems/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Target is one live transport and the devices polled through it.
type Target struct {
	Key     types.TransportKey
	Client  Client
	Devices []types.DeviceConfig
}

// TargetSource yields the transports to poll. It is consulted on every
// iteration so a reconfigured pool is picked up without restarting.
type TargetSource interface {
	Targets() []Target
}

// Publisher receives every finished poll report.
type Publisher interface {
	Broadcast(report *PollReport)
}

// DeviceReading is the outcome for one device in one iteration.
type DeviceReading struct {
	Device    string             `json:"device"`
	Transport types.TransportKey `json:"transport"`
	SlaveID   uint8              `json:"slave_id"`
	Registers []uint16           `json:"registers"`
	// Expected is the register total of the device's spans.
	Expected int    `json:"expected"`
	Error    string `json:"error,omitempty"`
}

// Complete reports whether every span of the device was read.
func (d DeviceReading) Complete() bool {
	return d.Error == "" && len(d.Registers) == d.Expected
}

type PollReport struct {
	ID        uuid.UUID       `json:"id"`
	Iteration uint64          `json:"iteration"`
	Timestamp time.Time       `json:"timestamp"`
	Readings  []DeviceReading `json:"readings"`
	// Errors counts devices with a failed or partial read.
	Errors int `json:"errors"`
}

// Poller is the continuous polling task: read every device of every pooled
// transport, publish the report, sleep, repeat until cancelled.
type Poller struct {
	source    TargetSource
	reader    *Reader
	interval  time.Duration
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Collectors

	mu        sync.Mutex
	iteration uint64
}

func NewPoller(source TargetSource, reader *Reader, interval time.Duration, publisher Publisher, logger *zap.Logger, m *metrics.Collectors) *Poller {
	return &Poller{
		source:    source,
		reader:    reader,
		interval:  interval,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
	}
}

// Run polls until ctx is cancelled and then returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Poller started", zap.Duration("interval", p.interval))
	defer p.logger.Info("Poller stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		report, err := p.PollOnce(ctx)
		if err != nil {
			return err
		}
		p.publish(report)

		timer.Reset(p.interval)
	}
}

// PollOnce reads all transports concurrently, and the devices of one
// transport concurrently, and joins them into a single report.
// It only fails when ctx is cancelled.
func (p *Poller) PollOnce(ctx context.Context) (*PollReport, error) {
	targets := p.source.Targets()

	// slot per target and device keeps the report in pool order
	slots := make([][]DeviceReading, len(targets))
	var wg sync.WaitGroup

	for ti, target := range targets {
		slots[ti] = make([]DeviceReading, len(target.Devices))
		for di, device := range target.Devices {
			wg.Add(1)
			go func(ti, di int, target Target, device types.DeviceConfig) {
				defer wg.Done()
				slots[ti][di] = p.pollDevice(ctx, target, device)
			}(ti, di, target, device)
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.iteration++
	iteration := p.iteration
	p.mu.Unlock()

	report := &PollReport{
		ID:        uuid.New(),
		Iteration: iteration,
		Timestamp: time.Now(),
		Readings:  make([]DeviceReading, 0),
	}
	for _, readings := range slots {
		for _, r := range readings {
			if !r.Complete() {
				report.Errors++
			}
			report.Readings = append(report.Readings, r)
		}
	}

	return report, nil
}

func (p *Poller) pollDevice(ctx context.Context, target Target, device types.DeviceConfig) DeviceReading {
	reading := DeviceReading{
		Device:    device.Name,
		Transport: target.Key,
		SlaveID:   device.SlaveID,
		Registers: []uint16{},
	}
	for _, span := range device.Spans {
		reading.Expected += int(span.Count)
	}

	result, err := p.reader.Read(ctx, target.Client, Request{
		Slaves:       []uint8{device.SlaveID},
		Addresses:    device.Addresses(),
		Counts:       device.Counts(),
		FunctionCode: device.FunctionCode,
	})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Device read failed",
				zap.String("transport", string(target.Key)),
				zap.String("device", device.Name),
				zap.Error(err))
		}
		reading.Error = err.Error()
		return reading
	}

	reading.Registers = result[device.SlaveID]
	return reading
}

func (p *Poller) publish(report *PollReport) {
	p.metrics.ObservePollIteration()

	fields := []zap.Field{
		zap.String("iteration_id", report.ID.String()),
		zap.Uint64("iteration", report.Iteration),
		zap.Int("devices", len(report.Readings)),
		zap.Int("errors", report.Errors),
	}
	if report.Errors > 0 {
		p.logger.Warn("Poll iteration finished with errors", fields...)
	} else {
		p.logger.Debug("Poll iteration finished", fields...)
	}

	for _, r := range report.Readings {
		p.logger.Info("Registers read",
			zap.String("device", r.Device),
			zap.Uint8("slave", r.SlaveID),
			zap.Uint16s("registers", r.Registers))
	}

	if p.publisher != nil {
		p.publisher.Broadcast(report)
	}
}
