package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/lock"
	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/pkg/logger"
)

// RecoverOrphans fails runs left active by a worker that died. Runs whose
// target lease is still held belong to a live worker and are left alone.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	active, err := o.Runs.ListByStates(ctx, models.ActiveStates...)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range active {
		run := active[i]
		lease, err := o.Locker.TryLock(ctx, LeaseKey(run.Target), o.cfg.LeaseTTL)
		if errors.Is(err, lock.ErrHeld) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		logger.ForRun(run.ID.String(), run.Target).Warn("recovering orphaned run", zap.String("state", string(run.State)))
		if o.abandon(ctx, &run, "worker stopped while run was "+string(run.State)) {
			recovered++
		}
		if err := o.Locker.Unlock(ctx, lease); err != nil {
			logger.L().Warn("release target lease failed", zap.String("target", run.Target), zap.Error(err))
		}
	}
	return recovered, nil
}

// Purge deletes terminal runs older than retention.
func (o *Orchestrator) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return o.Runs.PurgeFinishedBefore(ctx, o.now().Add(-retention))
}

// Janitor recovers orphaned runs and purges old ones every interval until ctx
// ends.
func (o *Orchestrator) Janitor(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx, retention)
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context, retention time.Duration) {
	if n, err := o.RecoverOrphans(ctx); err != nil {
		logger.L().Error("recover orphaned runs failed", zap.Error(err))
	} else if n > 0 {
		logger.L().Warn("recovered orphaned runs", zap.Int("count", n))
	}
	n, err := o.Purge(ctx, retention)
	if err != nil {
		logger.L().Error("purge finished runs failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.L().Info("purged finished runs", zap.Int64("count", n), zap.Duration("retention", retention))
	}
}
