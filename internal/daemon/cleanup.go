package daemon

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// newCleanupScheduler ages out the running-and-completed list every
// cleanup.interval_sec. Runs never overlap.
func (d *Daemon) newCleanupScheduler() (gocron.Scheduler, error) {
	interval := time.Duration(d.config.Cleanup.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(d.cleanUp),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	d.logger.Debugf("clean-up of completed jobs every %s", interval)
	return s, nil
}

func (d *Daemon) cleanUp() {
	if n := d.consumer.CleanUpCompleted(time.Now()); n > 0 {
		d.logger.Infof("cleaned up %d completed jobs", n)
	}
}
