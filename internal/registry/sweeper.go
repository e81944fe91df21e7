package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/cinechat/internal/log"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 30s".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper runs SweepDead on a cron schedule.
type Sweeper struct {
	reg   *Registry
	sched cron.Schedule
}

// NewSweeper parses expr and returns a sweeper for reg.
func NewSweeper(reg *Registry, expr string) (*Sweeper, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("registry: parse sweep schedule %q: %w", expr, err)
	}
	return &Sweeper{reg: reg, sched: sched}, nil
}

// Run sweeps at each scheduled time until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger := log.WithComponent("sweeper")
	for {
		d := time.Until(s.sched.Next(time.Now()))
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if rooms := s.reg.SweepDead(ctx); len(rooms) > 0 {
			logger.Info().Strs("rooms", rooms).Msg("swept dead sessions")
		}
	}
}
