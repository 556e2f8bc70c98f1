package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically removes expired records from a Sweeper.
type Janitor struct {
	cron   *cron.Cron
	store  Sweeper
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor schedules sweeps of store on a cron schedule such as "@every 1m".
func NewJanitor(store Sweeper, schedule string, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		cron:   cron.New(),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins the schedule in its own goroutine.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := j.store.Sweep(ctx, j.now())
	if err != nil {
		j.logger.Warn("rate limit sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		j.logger.Debug("rate limit records swept", slog.Int("removed", n))
	}
}
