// Package worker runs the reservation expiration sweeper on a cron cadence.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kyungseok/booking-saga-go/services/inventory/internal/service"
)

// Sweeper releases HELD reservations past their TTL, scheduled at
// config.inventory.sweep_interval.
type Sweeper struct {
	svc    service.InventoryService
	cron   *cron.Cron
	logger *zap.Logger
}

func NewSweeper(svc service.InventoryService, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		svc:    svc,
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
	}
}

// Start schedules the sweep at interval and runs until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval)
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.svc.SweepExpired(ctx); err != nil {
			s.logger.Error("expiration sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}
