package auth

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepSchedule runs the denylist cleanup every ten minutes.
const sweepSchedule = "@every 10m"

// Sweeper periodically deletes denylist rows for tokens that have expired
// on their own.
type Sweeper struct {
	service *Service
	cron    *cron.Cron
}

// NewSweeper creates the revocation sweeper.
func NewSweeper(service *Service) *Sweeper {
	return &Sweeper{service: service, cron: cron.New()}
}

// Start schedules the sweep and runs one immediately to catch up after a
// restart.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(sweepSchedule, func() {
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s.service.SweepExpired(sctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	go s.service.SweepExpired(ctx)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
