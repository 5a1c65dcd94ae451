package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds cron expressions for the background jobs. An empty
// expression disables the job.
type ScheduleConfig struct {
	Sweep      string
	AutoSync   string
	Rates      string
	Currencies []string
}

// Scheduler runs background jobs: the session sweep, unattended sync and
// the daily exchange rate fetch.
type Scheduler struct {
	cron      *cron.Cron
	sessions  *SessionManager
	sync      *SyncService
	converter *CurrencyConverter
	cfg       ScheduleConfig
}

// NewScheduler creates a Scheduler. Jobs are registered by Start.
func NewScheduler(cfg ScheduleConfig, sessions *SessionManager, sync *SyncService, converter *CurrencyConverter) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sessions:  sessions,
		sync:      sync,
		converter: converter,
		cfg:       cfg,
	}
}

// Start registers the jobs and runs them until ctx is canceled. Start
// blocks, then waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"session sweep", s.cfg.Sweep, s.sweep},
		{"auto-sync", s.cfg.AutoSync, s.autoSync},
		{"exchange rates", s.cfg.Rates, s.rates},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		run := j.run
		if _, err := s.cron.AddFunc(j.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		slog.Info("job scheduled", "job", j.name, "spec", j.spec)
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.sessions.Sweep(ctx)
}

func (s *Scheduler) autoSync(ctx context.Context) {
	if _, err := s.sync.AutoSync(ctx); err != nil {
		slog.Error("auto-sync failed", "error", err)
	}
}

func (s *Scheduler) rates(ctx context.Context) {
	n, err := s.converter.Refresh(ctx, time.Now(), s.cfg.Currencies)
	if err != nil {
		slog.Error("exchange rate refresh failed", "error", err)
		return
	}
	slog.Info("exchange rates refreshed", "stored", n)
}
