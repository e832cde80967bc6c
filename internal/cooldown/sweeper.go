package cooldown

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Sweeper periodically evicts expired entries from a Tracker. Lookups already
// drop expired entries lazily; the sweep only bounds memory for users who
// never come back.
type Sweeper struct {
	sched gocron.Scheduler
}

// NewSweeper schedules t.Sweep every interval. Call Start to begin.
func NewSweeper(t *Tracker, clk clockwork.Clock, interval time.Duration, l *zap.SugaredLogger) (*Sweeper, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("error creating scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if n := t.Sweep(clk.Now()); n > 0 {
				l.Debugw("swept expired cooldowns", "evicted", n, "remaining", t.Len())
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("error scheduling sweep: %w", err)
	}

	return &Sweeper{sched: sched}, nil
}

func (s *Sweeper) Start() {
	s.sched.Start()
}

// Shutdown stops the schedule and waits for a running sweep to finish
func (s *Sweeper) Shutdown() error {
	return s.sched.Shutdown()
}
