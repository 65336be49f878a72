package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepSchedule runs the expiry sweep daily at 16:39.
const DefaultSweepSchedule = "39 16 * * *"

// Sweeper periodically stops sessions whose tenant access has expired.
type Sweeper struct {
	registry *Registry
	cron     *cron.Cron
	schedule string
	now      func() time.Time
}

// NewSweeper registers the sweep on a standard five-field cron schedule.
func NewSweeper(registry *Registry, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		registry: registry,
		cron:     cron.New(),
		schedule: schedule,
		now:      time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("session: sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start starts the cron scheduler.
func (s *Sweeper) Start() {
	s.cron.Start()
	log.Info().Str("schedule", s.schedule).Msg("session: expiry sweeper started")
}

// Stop stops the scheduler and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("session: expiry sweeper stopped")
}

// Sweep stops every running session whose tenant has expired and returns
// the stopped tenant ids.
func (s *Sweeper) Sweep() []int64 {
	now := s.now()
	var stopped []int64
	for _, info := range s.registry.Sessions() {
		sess, ok := s.registry.Session(info.Tenant)
		if !ok || !sess.tenant.Expired(now) {
			continue
		}
		sess.notify(context.Background(), "⌛ Your subscription has expired. Sniping stopped.")
		if err := s.registry.Stop(info.Tenant); err != nil && !errors.Is(err, ErrNotRunning) {
			log.Warn().Err(err).Int64("tenant", info.Tenant).Msg("session: expiry stop failed")
			continue
		}
		stopped = append(stopped, info.Tenant)
		log.Info().Int64("tenant", info.Tenant).Time("expired_at", sess.tenant.ExpiresAt).Msg("session: tenant expired")
	}
	return stopped
}
