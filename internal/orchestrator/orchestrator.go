// Package orchestrator drives a Run through build, push and deploy, owning
// every state transition, stage retry and the rollback-or-flag decision.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/archive"
	"github.com/dockhand/engine/internal/builder"
	"github.com/dockhand/engine/internal/events"
	"github.com/dockhand/engine/internal/lock"
	"github.com/dockhand/engine/internal/metrics"
	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/internal/registry"
	"github.com/dockhand/engine/internal/remote"
	"github.com/dockhand/engine/internal/repository"
	"github.com/dockhand/engine/internal/secrets"
	appErr "github.com/dockhand/engine/pkg/errors"
	"github.com/dockhand/engine/pkg/logger"
)

// ErrTargetBusy means another run holds the target's lease. The caller should
// retry the run later.
var ErrTargetBusy = errors.New("target is busy with another run")

// errLeaseLost cancels a run whose target lease could not be renewed.
var errLeaseLost = errors.New("target lease lost")

// errRunTaken means the stored run left the state this worker last saved, so
// another process finished it and this worker must stop driving it.
var errRunTaken = errors.New("run was finished by another process")

type Builder interface {
	Build(ctx context.Context, req builder.Request) (builder.Result, error)
}

type Registry interface {
	Authenticate(ctx context.Context, target models.Target) (registry.Auth, error)
	Push(ctx context.Context, art models.Artifact, auth registry.Auth) (models.Artifact, error)
}

type Executor interface {
	RunSequence(ctx context.Context, host remote.Host, cred secrets.Credential, cmds []remote.Command) ([]remote.Result, error)
}

type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (secrets.Credential, error)
}

// Config tunes retries and timeouts.
type Config struct {
	StageTimeout time.Duration
	MaxAttempts  uint
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	LeaseTTL     time.Duration
	// MaxOutput caps the diagnostics kept per stage.
	MaxOutput int
}

func (c *Config) defaults() {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 45 * time.Minute
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = 64 << 10
	}
}

// Deps are the collaborators the orchestrator calls. Events, Archiver and
// Metrics are optional.
type Deps struct {
	Runs     repository.RunRepository
	Targets  repository.TargetRepository
	Builder  Builder
	Registry Registry
	Executor Executor
	Creds    CredentialResolver
	Locker   lock.Locker
	Events   events.Publisher
	Archiver archive.Archiver
	Metrics  *metrics.Metrics
}

type Orchestrator struct {
	Deps
	cfg Config
	now func() time.Time
}

func New(deps Deps, cfg Config) *Orchestrator {
	cfg.defaults()
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	return &Orchestrator{Deps: deps, cfg: cfg, now: time.Now}
}

// LeaseKey is the lock key guarding a target.
func LeaseKey(target string) string { return "target:" + target }

// Execute runs the given run to a terminal state. It returns ErrTargetBusy
// when the target is leased by another run, and nil once the run is terminal,
// including when it was already terminal or was cancelled before starting.
func (o *Orchestrator) Execute(ctx context.Context, runID uuid.UUID) error {
	var run models.Run
	if err := o.Runs.GetByID(ctx, runID, &run); err != nil {
		return err
	}
	log := logger.ForRun(run.ID.String(), run.Target)
	if run.State.Terminal() {
		log.Info("run already finished, nothing to do", zap.String("state", string(run.State)))
		return nil
	}

	lease, err := o.Locker.TryLock(ctx, LeaseKey(run.Target), o.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return fmt.Errorf("%w: %s", ErrTargetBusy, run.Target)
		}
		return fmt.Errorf("lease %s: %w", run.Target, err)
	}
	defer func() {
		if err := o.Locker.Unlock(context.WithoutCancel(ctx), lease); err != nil {
			log.Warn("release target lease failed", zap.Error(err))
		}
	}()

	ctx, stopRenew := context.WithCancelCause(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		o.keepLease(ctx, lease, stopRenew, log)
	}()
	defer func() {
		stopRenew(nil)
		<-renewed
	}()

	// Reload under the lease: the run may have been cancelled or finished meanwhile.
	if err := o.Runs.GetByID(ctx, runID, &run); err != nil {
		return err
	}
	switch {
	case run.State.Terminal():
		log.Info("run finished while waiting for the lease", zap.String("state", string(run.State)))
		return nil
	case run.State.Active():
		// The lease was free, so whoever drove this run is gone.
		o.abandon(ctx, &run, "worker lost while run was "+string(run.State))
		return nil
	}

	var target models.Target
	if err := o.Targets.GetByID(ctx, run.Target, &target); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			run.Fail("", string(appErr.KindInternal), "target "+run.Target+" is not configured")
			return o.finishFrom(ctx, &run, models.RunQueued, models.RunFailed)
		}
		return err
	}
	if target.ManualIntervention {
		run.Fail("", string(appErr.KindInternal), "target requires manual intervention: "+target.InterventionReason)
		return o.finishFrom(ctx, &run, models.RunQueued, models.RunFailed)
	}

	run.PreviousContainerID = target.ContainerID
	run.PreviousImage = target.CurrentImage
	run.Artifact = models.Artifact{Repository: target.Repository, Tag: imageTag(run.LatestRef)}
	if err := run.Transition(models.RunBuilding, o.now()); err != nil {
		return err
	}
	if err := o.Runs.SaveFrom(ctx, &run, models.RunQueued); err != nil {
		if appErr.IsCode(err, appErr.CodeConflict) {
			log.Info("run left the queue before it could start")
			return nil
		}
		return err
	}
	o.publish(ctx, &run, models.RunQueued)
	log.Info("run started", zap.String("ref", run.LatestRef), zap.String("previous_container", run.PreviousContainerID))

	o.drive(ctx, &run, target)
	return nil
}

// keepLease renews lease every third of its TTL until ctx ends. Losing the
// lease cancels ctx with errLeaseLost.
func (o *Orchestrator) keepLease(ctx context.Context, lease *lock.Lease, cancel context.CancelCauseFunc, log *zap.Logger) {
	ticker := time.NewTicker(o.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := o.Locker.Extend(ctx, lease, o.cfg.LeaseTTL)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, lock.ErrNotOwner):
			log.Error("target lease lost, stopping run", zap.Error(err))
			cancel(errLeaseLost)
			return
		default:
			log.Warn("renew target lease failed", zap.Error(err))
		}
	}
}

// drive runs the stages of a run that has just entered Building. Every path
// ends in a terminal state.
func (o *Orchestrator) drive(ctx context.Context, run *models.Run, target models.Target) {
	if err := o.runStage(ctx, run, models.StageBuild, o.buildStage(run, target)); err != nil {
		o.fail(ctx, run, models.StageBuild, err, false)
		return
	}

	if !o.advance(ctx, run, models.RunPushing) {
		return
	}
	if err := o.runStage(ctx, run, models.StagePush, o.pushStage(run, target)); err != nil {
		o.fail(ctx, run, models.StagePush, err, false)
		return
	}

	if !o.advance(ctx, run, models.RunDeploying) {
		return
	}
	if err := o.runStage(ctx, run, models.StageRemotePull, o.pullStage(run, target)); err != nil {
		o.fail(ctx, run, models.StageRemotePull, err, false)
		return
	}

	if run.PreviousContainerID == "" {
		if err := run.SkipStage(models.StageStopOld, o.now()); err != nil {
			o.fail(ctx, run, models.StageStopOld, err, false)
			return
		}
		if o.persist(ctx, run) != nil {
			return
		}
	} else if err := o.runStage(ctx, run, models.StageStopOld, o.stopStage(run, target)); err != nil {
		// Once stop or rm went through, the old container's fate is unknown to
		// a retry, so a human decides.
		applied := len(run.Stage(models.StageStopOld).Applied) > 0
		o.fail(ctx, run, models.StageStopOld, err, applied)
		return
	}

	err := o.runStage(ctx, run, models.StageStartNew, o.startStage(run, target))
	if err == nil {
		o.succeed(ctx, run, target)
		return
	}
	if errors.Is(err, errRunTaken) {
		return
	}
	if run.Stage(models.StageStopOld).Status != models.StageSucceeded {
		o.fail(ctx, run, models.StageStartNew, err, false)
		return
	}
	o.rollback(ctx, run, target, err)
}

// advance moves an active run to its next state and persists it.
func (o *Orchestrator) advance(ctx context.Context, run *models.Run, to models.RunState) bool {
	from := run.State
	if err := run.Transition(to, o.now()); err != nil {
		o.fail(ctx, run, "", err, false)
		return false
	}
	if o.save(ctx, run, from) != nil {
		return false
	}
	o.publish(ctx, run, from)
	return true
}

func (o *Orchestrator) succeed(ctx context.Context, run *models.Run, target models.Target) {
	image := run.Artifact.PinnedRef()
	if err := o.Targets.RecordDeployment(context.WithoutCancel(ctx), target.Name, run.ContainerID, image); err != nil {
		// The container is running but we could not record it. Flag rather than
		// let the next run stop the wrong container.
		run.Fail(models.StageStartNew, string(appErr.KindInternal), "record deployment: "+err.Error())
		o.flagTarget(ctx, run, "deployment succeeded but was not recorded")
		o.finish(ctx, run, models.RunFailed)
		return
	}
	o.finish(ctx, run, models.RunSucceeded)
}

// fail ends the run as Failed with the failure recorded on it.
func (o *Orchestrator) fail(ctx context.Context, run *models.Run, stage models.StageName, err error, manual bool) {
	if errors.Is(err, errRunTaken) {
		return
	}
	f := failureOf(err)
	if errors.Is(context.Cause(ctx), errLeaseLost) {
		f = appErr.Fail(appErr.KindCancelled, fmt.Errorf("%w: %s", errLeaseLost, f.Error()))
	}
	run.Fail(stage, string(f.Kind), f.Error())
	if manual {
		o.flagTarget(ctx, run, fmt.Sprintf("%s failed after changing the host: %s", stage, f.Error()))
	}
	o.finish(ctx, run, models.RunFailed)
}

// flagTarget marks both the run and its target as needing manual intervention.
func (o *Orchestrator) flagTarget(ctx context.Context, run *models.Run, reason string) {
	run.ManualIntervention = true
	if err := o.Targets.SetIntervention(context.WithoutCancel(ctx), run.Target, reason); err != nil {
		logger.ForRun(run.ID.String(), run.Target).Error("flag target for manual intervention failed", zap.Error(err))
	}
}

// abandon fails a run found active without an owner and reports whether it
// did. The target is flagged only when the run was touching the host and the
// failure was stored.
func (o *Orchestrator) abandon(ctx context.Context, run *models.Run, reason string) bool {
	from := run.State
	run.Fail("", string(appErr.KindInternal), reason+"; remote state unknown")
	run.ManualIntervention = true
	if !o.finish(ctx, run, models.RunFailed) {
		return false
	}
	if from == models.RunDeploying {
		if err := o.Targets.SetIntervention(context.WithoutCancel(ctx), run.Target, reason); err != nil {
			logger.ForRun(run.ID.String(), run.Target).Error("flag target for manual intervention failed", zap.Error(err))
		}
	}
	return true
}

func (o *Orchestrator) finishFrom(ctx context.Context, run *models.Run, from, to models.RunState) error {
	if err := run.Transition(to, o.now()); err != nil {
		return err
	}
	if err := o.Runs.SaveFrom(ctx, run, from); err != nil {
		if appErr.IsCode(err, appErr.CodeConflict) {
			return nil
		}
		return err
	}
	o.publish(ctx, run, from)
	o.Metrics.RunFinished(run)
	return nil
}

// finish moves run to a terminal state. It reports false when the run was not
// finished by this call.
func (o *Orchestrator) finish(ctx context.Context, run *models.Run, to models.RunState) bool {
	from := run.State
	log := logger.ForRun(run.ID.String(), run.Target)
	if err := run.Transition(to, o.now()); err != nil {
		log.Error("illegal terminal transition", zap.Error(err))
		return false
	}
	if o.save(ctx, run, from) != nil {
		return false
	}
	o.publish(ctx, run, from)
	o.Metrics.RunFinished(run)

	fields := []zap.Field{zap.String("state", string(to))}
	if run.FailureKind != "" {
		fields = append(fields,
			zap.String("failure_kind", run.FailureKind),
			zap.String("failure_stage", run.FailureStage),
			zap.String("failure", run.FailureMessage),
			zap.Bool("manual_intervention", run.ManualIntervention))
	}
	log.Info("run finished", fields...)

	if key, err := o.Archiver.ArchiveRun(context.WithoutCancel(ctx), run); err != nil {
		log.Warn("archive run diagnostics failed", zap.Error(err))
	} else if key != "" {
		log.Debug("archived run diagnostics", zap.String("key", key))
	}
	return true
}

// persist saves progress within the run's current state.
func (o *Orchestrator) persist(ctx context.Context, run *models.Run) error {
	return o.save(ctx, run, run.State)
}

// save writes run only while the stored state is still from, and returns
// errRunTaken otherwise. Other storage errors are logged and the run carries
// on. Writes outlive cancellation so the audit trail stays complete when the
// worker shuts down mid-run.
func (o *Orchestrator) save(ctx context.Context, run *models.Run, from models.RunState) error {
	err := o.Runs.SaveFrom(context.WithoutCancel(ctx), run, from)
	switch {
	case err == nil:
		return nil
	case appErr.IsCode(err, appErr.CodeConflict):
		logger.ForRun(run.ID.String(), run.Target).Warn("run changed state behind this worker, stopping",
			zap.String("expected_state", string(from)))
		return errRunTaken
	default:
		logger.ForRun(run.ID.String(), run.Target).Error("persist run failed", zap.Error(err))
		return nil
	}
}

func (o *Orchestrator) publish(ctx context.Context, run *models.Run, from models.RunState) {
	if err := o.Events.Publish(context.WithoutCancel(ctx), events.FromRun(run, from)); err != nil {
		logger.ForRun(run.ID.String(), run.Target).Warn("publish run event failed", zap.Error(err))
	}
}

func failureOf(err error) *appErr.Failure {
	if f, ok := appErr.AsFailure(err); ok {
		return f
	}
	return appErr.Fail(appErr.KindInternal, err)
}

var invalidTagChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// imageTag turns a source ref into a valid image tag.
func imageTag(ref string) string {
	tag := invalidTagChars.ReplaceAllString(ref, "-")
	for len(tag) > 0 && (tag[0] == '.' || tag[0] == '-') {
		tag = tag[1:]
	}
	if tag == "" {
		tag = "latest"
	}
	if len(tag) > 128 {
		tag = tag[:128]
	}
	return tag
}
