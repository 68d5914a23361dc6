package sync

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tasbih-sync-service/internal/config"
	"tasbih-sync-service/internal/logger"
	"tasbih-sync-service/internal/queue"
)

// Scheduler drives the periodic flush trigger and the retention prune job.
type Scheduler struct {
	flushSchedule string
	retention     config.RetentionConfig
	reconciler    *Reconciler
	store         queue.Store
	cron          *cron.Cron
}

func NewScheduler(cfg config.SyncConfig, retention config.RetentionConfig, reconciler *Reconciler, store queue.Store) *Scheduler {
	return &Scheduler{
		flushSchedule: cfg.FlushSchedule,
		retention:     retention,
		reconciler:    reconciler,
		store:         store,
		cron:          cron.New(),
	}
}

func (s *Scheduler) Start() error {
	logger.Log.Info("Starting scheduler",
		zap.String("flush", s.flushSchedule),
		zap.String("prune", s.retention.PruneSchedule),
	)

	// TriggerFlush coalesces, so a tick during a running pass schedules at
	// most one follow-up instead of stacking passes.
	if _, err := s.cron.AddFunc(s.flushSchedule, s.reconciler.TriggerFlush); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.retention.PruneSchedule, s.prune); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.store.Prune(ctx, s.retention.Days)
	if err != nil {
		logger.Log.Error("Retention prune failed", zap.Error(err))
		return
	}
	logger.Log.Info("Retention prune complete",
		zap.Int64("removed", n),
		zap.Int("retentionDays", s.retention.Days),
	)
}
