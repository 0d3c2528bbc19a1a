// Package scheduler drives recurring sync runs from a cron expression.
// Overlapping runs are skipped rather than queued: a long sync simply
// absorbs the ticks it covers.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/sync"
)

// Scheduler owns the cron loop around the sync manager.
type Scheduler struct {
	cfg     *config.Config
	manager *sync.Manager
	log     *logger.Logger
	cron    *cron.Cron
	entryID cron.EntryID
}

// New builds a Scheduler from configuration. The schedule uses standard
// five-field cron syntax evaluated in the configured timezone.
func New(cfg *config.Config, manager *sync.Manager, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.Get()
	}
	log = log.With(map[string]interface{}{"component": "scheduler"})

	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	cronLog := &cronLogger{log: log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLog),
			cron.Recover(cronLog),
		),
	)

	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		log:     log,
		cron:    c,
	}, nil
}

// Start registers the sync job and begins the cron loop. Blocks until
// the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.cfg.SyncSchedule, func() {
		s.runOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.cfg.SyncSchedule, err)
	}
	s.entryID = id

	s.cron.Start()
	s.log.Info("Scheduler started", map[string]interface{}{
		"schedule": s.cfg.SyncSchedule,
		"timezone": s.cfg.Timezone,
		"next_run": s.cron.Entry(id).Next.Format(time.RFC3339),
	})

	<-ctx.Done()
	s.log.Info("Scheduler stopping", nil)

	// Let an in-flight run finish before returning
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		s.log.Warn("Timed out waiting for running sync to finish", nil)
	}
	return ctx.Err()
}

// RunNow triggers one sync run outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) *sync.Summary {
	return s.manager.SyncAll(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) {
	started := time.Now()
	summary := s.manager.SyncAll(ctx)
	fields := map[string]interface{}{
		"users":    len(summary.Users),
		"errors":   summary.TotalErrors(),
		"duration": time.Since(started).String(),
	}
	if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
		fields["next_run"] = next.Format(time.RFC3339)
	}
	s.log.Info("Scheduled sync finished", fields)
}

// cronLogger adapts the structured logger to cron's logging interface.
type cronLogger struct {
	log *logger.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info(msg, kvFields(keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = err.Error()
	l.log.Error(msg, fields)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		fields[key] = kv[i+1]
	}
	return fields
}
