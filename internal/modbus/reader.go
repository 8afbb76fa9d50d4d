package modbus

import (
	"context"
	"fmt"

	"github.com/KevinKickass/gatewayems/internal/metrics"
	"github.com/KevinKickass/gatewayems/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Request describes one read batch on a single client.
// Every slave reads every (Addresses[i], Counts[i]) span, in order.
// A single span is therefore shared by all slaves.
type Request struct {
	Slaves       []uint8
	Addresses    []uint16
	Counts       []uint16
	FunctionCode uint8
}

// Result maps slave id to its registers, flattened in request order.
type Result map[uint8][]uint16

// Validate runs before any I/O.
func (r Request) Validate() error {
	if r.FunctionCode != types.FuncCodeReadHoldingRegisters && r.FunctionCode != types.FuncCodeReadInputRegisters {
		return fmt.Errorf("%w: function code %d (want 3 or 4)", types.ErrReadValidation, r.FunctionCode)
	}
	if len(r.Addresses) != len(r.Counts) {
		return fmt.Errorf("%w: %d addresses but %d counts", types.ErrReadValidation, len(r.Addresses), len(r.Counts))
	}
	if len(r.Slaves) == 0 {
		return fmt.Errorf("%w: no slaves", types.ErrReadValidation)
	}
	if len(r.Addresses) == 0 {
		return fmt.Errorf("%w: no register spans", types.ErrReadValidation)
	}
	return nil
}

// Reader fans one request out over slaves and spans and isolates failures.
type Reader struct {
	logger  *zap.Logger
	metrics *metrics.Collectors
}

func NewReader(logger *zap.Logger, m *metrics.Collectors) *Reader {
	return &Reader{logger: logger, metrics: m}
}

// Read performs the batch. A failed sub-read is logged and contributes no
// registers; it never fails siblings. The call itself fails only on
// validation, on a reconnect failure or when ctx is cancelled.
// The client is left open for the next batch.
func (r *Reader) Read(ctx context.Context, client Client, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if !client.Connected() {
		r.logger.Warn("Client not connected, reconnecting before read")
		if err := client.Connect(); err != nil {
			return nil, err
		}
	}

	// one slot per slave x span so ordering follows the request, not completion
	parts := make([][][]uint16, len(req.Slaves))
	for i := range parts {
		parts[i] = make([][]uint16, len(req.Addresses))
	}

	g, gctx := errgroup.WithContext(ctx)
	for si, slave := range req.Slaves {
		for ai := range req.Addresses {
			si, ai, slave := si, ai, slave
			address, count := req.Addresses[ai], req.Counts[ai]

			g.Go(func() error {
				regs, err := r.readSpan(gctx, client, req.FunctionCode, slave, address, count)
				if err != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						return ctxErr
					}
					r.logger.Error("Register read failed",
						zap.Uint8("slave", slave),
						zap.Uint16("address", address),
						zap.Uint16("count", count),
						zap.Bool("exception", IsExceptionResponse(err)),
						zap.Error(err))
					r.metrics.ObserveRead(false)
					return nil
				}
				r.metrics.ObserveRead(true)
				parts[si][ai] = regs
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(Result, len(req.Slaves))
	for si, slave := range req.Slaves {
		regs := result[slave]
		if regs == nil {
			regs = []uint16{}
		}
		for _, p := range parts[si] {
			regs = append(regs, p...)
		}
		result[slave] = regs

		r.logger.Debug("Slave read consolidated",
			zap.Uint8("slave", slave),
			zap.Int("registers", len(regs)))
	}

	return result, nil
}

func (r *Reader) readSpan(ctx context.Context, client Client, fc, slave uint8, address, count uint16) ([]uint16, error) {
	var (
		regs []uint16
		err  error
	)

	switch fc {
	case types.FuncCodeReadHoldingRegisters:
		regs, err = client.ReadHoldingRegisters(ctx, slave, address, count)
	default:
		regs, err = client.ReadInputRegisters(ctx, slave, address, count)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: slave %d address %d: %w", types.ErrRead, slave, address, err)
	}
	return regs, nil
}
