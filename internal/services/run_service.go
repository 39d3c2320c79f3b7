package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/events"
	"github.com/dockhand/engine/internal/lock"
	"github.com/dockhand/engine/internal/metrics"
	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/internal/queue/tasks"
	"github.com/dockhand/engine/internal/repository"
	appErr "github.com/dockhand/engine/pkg/errors"
	"github.com/dockhand/engine/pkg/logger"
)

// RunService admits triggers and exposes runs to operators.
type RunService interface {
	// Trigger coalesces into the target's pending run or admits a new one.
	Trigger(ctx context.Context, input *TriggerInput) (*TriggerResult, error)
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	ListRuns(ctx context.Context, filter repository.RunFilter) ([]models.Run, error)
	// CancelRun cancels a run that has not left the queue.
	CancelRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
}

type TriggerInput struct {
	Target string
	Ref    string
	// Repository is the source repository that sent the push. Targets bound
	// to a source repository refuse pushes from any other.
	Repository string
}

type TriggerResult struct {
	Run       models.Run
	Coalesced bool
}

// Enqueuer is the part of *asynq.Client the service needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type RunServiceOptions struct {
	// MaxQueued bounds Queued runs across all targets.
	MaxQueued int
	// AdmissionTTL is how long an admission may hold its target's lock.
	AdmissionTTL time.Duration
	Wait         lock.WaitOptions
	// TaskTimeout bounds each deploy task on the worker. Zero keeps the asynq default.
	TaskTimeout time.Duration
}

type runService struct {
	runs    repository.RunRepository
	targets repository.TargetRepository
	locker  lock.Locker
	queue   Enqueuer
	events  events.Publisher
	metrics *metrics.Metrics
	opts    RunServiceOptions
	now     func() time.Time
}

func NewRunService(runs repository.RunRepository, targets repository.TargetRepository, locker lock.Locker, queue Enqueuer, pub events.Publisher, m *metrics.Metrics, opts RunServiceOptions) RunService {
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = 100
	}
	if opts.AdmissionTTL <= 0 {
		opts.AdmissionTTL = 10 * time.Second
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &runService{runs: runs, targets: targets, locker: locker, queue: queue, events: pub, metrics: m, opts: opts, now: time.Now}
}

var _ RunService = (*runService)(nil)

func admissionKey(target string) string { return "admit:" + target }

func (s *runService) Trigger(ctx context.Context, input *TriggerInput) (*TriggerResult, error) {
	ref := strings.TrimSpace(input.Ref)
	if ref == "" {
		return nil, appErr.New(appErr.CodeInvalid, "ref is required")
	}
	logger.L().Info("trigger received", zap.String("target", input.Target), zap.String("ref", ref))

	var target models.Target
	if err := s.targets.GetByID(ctx, input.Target, &target); err != nil {
		s.metrics.Trigger("rejected")
		return nil, err
	}
	if target.ManualIntervention {
		s.metrics.Trigger("rejected")
		return nil, appErr.New(appErr.CodeConflict, "target requires manual intervention").
			WithMeta("target", target.Name).
			WithMeta("reason", target.InterventionReason)
	}
	if target.SourceRepository != "" && !strings.EqualFold(strings.TrimSpace(input.Repository), target.SourceRepository) {
		s.metrics.Trigger("rejected")
		logger.L().Warn("push from unexpected repository rejected",
			zap.String("target", target.Name),
			zap.String("repository", input.Repository),
			zap.String("expected", target.SourceRepository))
		return nil, appErr.New(appErr.CodeForbidden, "repository is not bound to this target").
			WithMeta("target", target.Name).
			WithMeta("repository", input.Repository)
	}

	lease, err := lock.Wait(ctx, s.locker, admissionKey(target.Name), s.opts.AdmissionTTL, s.opts.Wait)
	if err != nil {
		s.metrics.Trigger("rejected")
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "admission lock for "+target.Name+" unavailable")
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), lease); err != nil {
			logger.L().Warn("release admission lock failed", zap.String("target", target.Name), zap.Error(err))
		}
	}()

	var pending models.Run
	err = s.runs.FindPendingByTarget(ctx, target.Name, &pending)
	switch {
	case err == nil:
		if err := s.runs.Coalesce(ctx, pending.ID, ref); err != nil {
			return nil, err
		}
		pending.LatestRef = ref
		pending.Coalesced++
		s.metrics.Trigger("coalesced")
		logger.ForRun(pending.ID.String(), target.Name).Info("trigger coalesced into pending run",
			zap.String("state", string(pending.State)),
			zap.String("latest_ref", ref),
			zap.Int("coalesced", pending.Coalesced))
		return &TriggerResult{Run: pending, Coalesced: true}, nil
	case !appErr.IsCode(err, appErr.CodeNotFound):
		return nil, err
	}

	queued, err := s.runs.CountByState(ctx, models.RunQueued)
	if err != nil {
		return nil, err
	}
	if queued >= int64(s.opts.MaxQueued) {
		s.metrics.Trigger("rejected")
		logger.L().Warn("run queue full, trigger rejected", zap.String("target", target.Name), zap.Int64("queued", queued))
		return nil, appErr.New(appErr.CodeQueueFull, "too many queued runs").WithMeta("max_queued", s.opts.MaxQueued)
	}

	run := models.NewRun(target.Name, ref, s.now())
	if err := s.runs.Create(ctx, &run); err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, &run); err != nil {
		return nil, err
	}
	s.metrics.Trigger("created")
	s.publish(ctx, &run, "")
	logger.ForRun(run.ID.String(), target.Name).Info("run queued", zap.String("ref", ref))
	return &TriggerResult{Run: run}, nil
}

func (s *runService) enqueue(ctx context.Context, run *models.Run) error {
	task, err := tasks.NewDeployTask(run.ID)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "build deploy task failed")
	}
	if s.queue == nil {
		logger.L().Warn("asynq client not configured, skipping enqueue", zap.String("run_id", run.ID.String()))
		return nil
	}
	if _, err := s.queue.EnqueueContext(ctx, task, tasks.DeployOptions(run.ID, s.opts.TaskTimeout)...); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.L().Error("enqueue deploy task failed", zap.String("run_id", run.ID.String()), zap.Error(err))
		run.Fail("", string(appErr.KindInternal), "enqueue failed: "+err.Error())
		if terr := run.Transition(models.RunFailed, s.now()); terr == nil {
			_ = s.runs.SaveFrom(context.WithoutCancel(ctx), run, models.RunQueued)
		}
		return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue deploy task failed")
	}
	return nil
}

func (s *runService) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	var run models.Run
	if err := s.runs.GetByID(ctx, id, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *runService) ListRuns(ctx context.Context, filter repository.RunFilter) ([]models.Run, error) {
	return s.runs.List(ctx, filter)
}

func (s *runService) CancelRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	logger.L().Info("cancel run", zap.String("run_id", id.String()))
	var run models.Run
	if err := s.runs.GetByID(ctx, id, &run); err != nil {
		return nil, err
	}
	if run.State != models.RunQueued {
		return nil, appErr.New(appErr.CodeConflict, "run can only be cancelled while queued").WithMeta("state", run.State)
	}
	if err := run.Transition(models.RunCancelled, s.now()); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeConflict, "cancel run failed")
	}
	if err := s.runs.SaveFrom(ctx, &run, models.RunQueued); err != nil {
		if appErr.IsCode(err, appErr.CodeConflict) {
			return nil, appErr.New(appErr.CodeConflict, "run already started")
		}
		return nil, err
	}
	s.publish(ctx, &run, models.RunQueued)
	s.metrics.RunFinished(&run)
	logger.ForRun(run.ID.String(), run.Target).Info("run cancelled")
	return &run, nil
}

func (s *runService) publish(ctx context.Context, run *models.Run, from models.RunState) {
	if err := s.events.Publish(context.WithoutCancel(ctx), events.FromRun(run, from)); err != nil {
		logger.L().Warn("publish run event failed", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}
