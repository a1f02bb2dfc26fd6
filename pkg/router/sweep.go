package router

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper runs the idle-session sweep on a background schedule, keeping
// reaping off the request path
type Sweeper struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewSweeper schedules the router's idle sweep with a cron spec such as
// "@every 1m"
func NewSweeper(router *Router, spec string, logger zerolog.Logger) (*Sweeper, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, router.SweepIdle); err != nil {
		return nil, fmt.Errorf("failed to schedule idle sweep: %w", err)
	}
	return &Sweeper{
		cron:   c,
		logger: logger.With().Str("component", "sweeper").Logger(),
	}, nil
}

// Start begins the schedule
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Msg("idle sweep scheduled")
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("idle sweep stopped")
}
