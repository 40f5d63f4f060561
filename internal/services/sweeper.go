package services

import (
	"context"
	"errors"
	"time"
)

const DefaultSweepInterval = 30 * time.Second

// Leaser elects a single sweeping instance per tick. Correctness does not
// depend on it; row locks already make concurrent sweeps safe.
type Leaser interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Sweeper expires stale reservations and transfer offers on a timer.
type Sweeper struct {
	reservations *ReservationService
	transfers    *TransferService
	lease        Leaser
	interval     time.Duration
	options
}

// NewSweeper builds the background expiry task. lease and transfers may be nil.
func NewSweeper(reservations *ReservationService, transfers *TransferService, lease Leaser, interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		reservations: reservations,
		transfers:    transfers,
		lease:        lease,
		interval:     interval,
		options:      buildOptions(opts),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Expiry sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Sweep pass failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopping")
			return nil
		}
	}
}

// Sweep runs one pass. It returns nil without doing anything when another
// instance holds the lease.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Debug("Sweep lease held elsewhere, skipping")
			return nil
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("Failed to release sweep lease", "error", err)
			}
		}()
	}

	now := s.clock()
	var errs []error
	if _, err := s.reservations.ExpireReservations(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if s.transfers != nil {
		if _, err := s.transfers.ExpireTransfers(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
