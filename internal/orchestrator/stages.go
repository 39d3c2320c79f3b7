package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/builder"
	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/internal/registry"
	"github.com/dockhand/engine/internal/remote"
	appErr "github.com/dockhand/engine/pkg/errors"
	"github.com/dockhand/engine/pkg/logger"
)

// stageFunc performs one attempt of a stage under the per-attempt deadline.
type stageFunc func(ctx context.Context, st *models.StageRecord) error

// runStage executes fn with bounded retries. Only transient failures are
// retried, and each retry re-enters the same stage. The last failure is
// returned with its stage and run filled in, or errRunTaken once another
// process has finished the run.
func (o *Orchestrator) runStage(ctx context.Context, run *models.Run, name models.StageName, fn stageFunc) error {
	log := logger.ForRun(run.ID.String(), run.Target).With(zap.String("stage", string(name)))
	var last *appErr.Failure

	err := retry.Do(
		func() error {
			st, err := run.BeginStage(name, o.now())
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if err := o.persist(ctx, run); err != nil {
				return retry.Unrecoverable(err)
			}
			log.Info("stage attempt started", zap.Int("attempt", st.Attempts))

			started := o.now()
			attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
			err = fn(attemptCtx, st)
			cancel()
			took := o.now().Sub(started)

			if err == nil {
				st.Succeed(o.now())
				if err := o.persist(ctx, run); err != nil {
					return retry.Unrecoverable(err)
				}
				o.Metrics.StageAttempt(name, models.StageSucceeded, "", took)
				log.Info("stage succeeded", zap.Int("attempt", st.Attempts), zap.Duration("took", took))
				return nil
			}

			f := failureOf(err)
			f.Stage = string(name)
			f.RunID = run.ID.String()
			st.AppendOutput(f.Output, o.cfg.MaxOutput)
			st.Failed(string(f.Kind), f.Error(), o.now())
			if err := o.persist(ctx, run); err != nil {
				return retry.Unrecoverable(err)
			}
			o.Metrics.StageAttempt(name, models.StageFailed, string(f.Kind), took)
			log.Warn("stage attempt failed",
				zap.Int("attempt", st.Attempts),
				zap.String("failure_kind", string(f.Kind)),
				zap.Bool("transient", f.Kind.Transient()),
				zap.Error(f.Err))
			last = f
			return f
		},
		retry.Context(ctx),
		retry.Attempts(o.cfg.MaxAttempts),
		retry.Delay(o.cfg.BaseDelay),
		retry.MaxDelay(o.cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(appErr.IsTransient),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, errRunTaken) {
		return errRunTaken
	}
	if last != nil {
		return last
	}
	return err
}

func (o *Orchestrator) buildStage(run *models.Run, target models.Target) stageFunc {
	return func(ctx context.Context, st *models.StageRecord) error {
		args := target.StringBuildArgs()
		args["SOURCE_REF"] = run.LatestRef
		res, err := o.Builder.Build(ctx, builder.Request{
			ContextDir: target.ContextDir,
			Dockerfile: target.Dockerfile,
			BuildArgs:  args,
			Repository: run.Artifact.Repository,
			Tag:        run.Artifact.Tag,
		})
		if err != nil {
			return err
		}
		st.AppendOutput(res.Output, o.cfg.MaxOutput)
		run.Artifact = res.Artifact
		return nil
	}
}

func (o *Orchestrator) pushStage(run *models.Run, target models.Target) stageFunc {
	return func(ctx context.Context, st *models.StageRecord) error {
		auth, err := o.Registry.Authenticate(ctx, target)
		if err != nil {
			return err
		}
		art, err := o.Registry.Push(ctx, run.Artifact, auth)
		if err != nil {
			return err
		}
		if art.RepoDigest == "" {
			return appErr.Failf(appErr.KindRegistryUnavailable, "registry did not confirm a digest for %s", art.TaggedRef())
		}
		if err := art.Validate(); err != nil {
			return appErr.Fail(appErr.KindRegistryUnavailable, err)
		}
		run.Artifact = art
		st.AppendOutput("pushed "+art.PinnedRef()+"\n", o.cfg.MaxOutput)
		return nil
	}
}

func (o *Orchestrator) pullStage(run *models.Run, target models.Target) stageFunc {
	return func(ctx context.Context, st *models.StageRecord) error {
		cmds, err := o.pullCommands(ctx, target, run.Artifact.PinnedRef())
		if err != nil {
			return err
		}
		_, err = o.remoteStage(ctx, st, target, cmds)
		return err
	}
}

// pullCommands logs the host in to the registry when credentials exist, then
// pulls ref.
func (o *Orchestrator) pullCommands(ctx context.Context, target models.Target, ref string) ([]remote.Command, error) {
	auth, err := o.Registry.Authenticate(ctx, target)
	if err != nil {
		return nil, err
	}
	return loginAndPull(auth, ref), nil
}

func loginAndPull(auth registry.Auth, ref string) []remote.Command {
	var cmds []remote.Command
	if !auth.Anonymous() {
		cmds = append(cmds, remote.Login(auth.ServerAddress, auth.Username, auth.Password))
	}
	return append(cmds, remote.Pull(ref))
}

func (o *Orchestrator) stopStage(run *models.Run, target models.Target) stageFunc {
	return func(ctx context.Context, st *models.StageRecord) error {
		_, err := o.remoteStage(ctx, st, target, []remote.Command{
			remote.Stop(run.PreviousContainerID),
			remote.Remove(run.PreviousContainerID),
		})
		return err
	}
}

func (o *Orchestrator) startStage(run *models.Run, target models.Target) stageFunc {
	return func(ctx context.Context, st *models.StageRecord) error {
		results, err := o.remoteStage(ctx, st, target, []remote.Command{
			remote.Run("run", target.ContainerName, run.Artifact.PinnedRef(), []string(target.RunArgs)),
		})
		if err != nil {
			return err
		}
		id := containerID(results, "run")
		if id == "" {
			return appErr.Failf(appErr.KindCommandFailure, "container runtime did not report a container id")
		}
		run.ContainerID = id
		return nil
	}
}

// remoteStage resolves the host credential for this attempt, runs the
// commands not yet applied and records what completed. The credential goes
// out of scope when the attempt returns.
func (o *Orchestrator) remoteStage(ctx context.Context, st *models.StageRecord, target models.Target, cmds []remote.Command) ([]remote.Result, error) {
	cred, err := o.Creds.Resolve(ctx, target.CredentialRef)
	if err != nil {
		return nil, err
	}

	pending := make([]remote.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Mutates && st.IsApplied(c.Name) {
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	results, err := o.Executor.RunSequence(ctx, remote.HostFor(target), cred, pending)
	for i, r := range results {
		st.AppendOutput(r.Output(), o.cfg.MaxOutput)
		completed := err == nil || i < len(results)-1
		if completed && pending[i].Mutates {
			st.MarkApplied(pending[i].Name)
		}
	}
	return results, err
}

func containerID(results []remote.Result, name string) string {
	for _, r := range results {
		if r.Name == name {
			return strings.TrimSpace(r.Stdout)
		}
	}
	return ""
}
