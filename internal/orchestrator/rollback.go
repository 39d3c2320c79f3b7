package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/internal/remote"
	appErr "github.com/dockhand/engine/pkg/errors"
	"github.com/dockhand/engine/pkg/logger"
)

// rollback makes one attempt to restore the previous container after StartNew
// failed with the old one already stopped. Success ends the run RolledBack.
// Any failure ends it Failed with RollbackFailure, and both the run and the
// target are flagged for manual intervention.
func (o *Orchestrator) rollback(ctx context.Context, run *models.Run, target models.Target, cause error) {
	log := logger.ForRun(run.ID.String(), run.Target)
	startErr := failureOf(cause)
	run.Fail(models.StageStartNew, string(startErr.Kind), startErr.Error())
	log.Warn("start of new container failed, rolling back", zap.String("previous_image", run.PreviousImage))

	// The rollback still runs if the worker is shutting down.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StageTimeout)
	defer cancel()

	id, output, err := o.restorePrevious(rctx, run, target)
	if st := run.Stage(models.StageStartNew); st != nil {
		st.AppendOutput(output, o.cfg.MaxOutput)
	}
	if err != nil {
		f := failureOf(err)
		log.Error("rollback failed", zap.String("failure_kind", string(f.Kind)), zap.Error(err))
		run.Fail(models.StageStartNew, string(appErr.KindRollbackFailure),
			fmt.Sprintf("%s; rollback failed: %s", startErr.Error(), f.Error()))
		o.flagTarget(ctx, run, "rollback to "+run.PreviousImage+" failed: "+f.Error())
		o.finish(ctx, run, models.RunFailed)
		return
	}

	run.ContainerID = id
	if err := o.Targets.SetContainer(context.WithoutCancel(ctx), target.Name, id); err != nil {
		log.Error("record restored container failed", zap.Error(err))
		o.flagTarget(ctx, run, "rolled back but the restored container was not recorded")
	}
	log.Info("rolled back to previous image", zap.String("container_id", id))
	o.finish(ctx, run, models.RunRolledBack)
}

// restorePrevious removes whatever the failed start left behind, makes sure
// the previous image is present on the host and runs it.
func (o *Orchestrator) restorePrevious(ctx context.Context, run *models.Run, target models.Target) (string, string, error) {
	if run.PreviousImage == "" {
		return "", "", appErr.Failf(appErr.KindRollbackFailure, "previous image of %s is unknown", target.Name)
	}
	cred, err := o.Creds.Resolve(ctx, target.CredentialRef)
	if err != nil {
		return "", "", err
	}
	host := remote.HostFor(target)
	var out string
	collect := func(results []remote.Result) {
		for _, r := range results {
			out += "rollback " + r.Name + ": " + r.Output()
		}
	}

	results, err := o.Executor.RunSequence(ctx, host, cred, []remote.Command{
		remote.ForceRemove("rm-failed", target.ContainerName),
		remote.InspectImage(run.PreviousImage),
	})
	collect(results)
	if err != nil {
		if f, ok := appErr.AsFailure(err); !ok || f.Kind != appErr.KindCommandFailure || len(results) < 2 {
			return "", out, err
		}
		// Image gone from the host; fetch it again.
		cmds, err := o.pullCommands(ctx, target, run.PreviousImage)
		if err != nil {
			return "", out, err
		}
		results, err = o.Executor.RunSequence(ctx, host, cred, cmds)
		collect(results)
		if err != nil {
			return "", out, err
		}
	}

	results, err = o.Executor.RunSequence(ctx, host, cred, []remote.Command{
		remote.Run("run-previous", target.ContainerName, run.PreviousImage, []string(target.RunArgs)),
	})
	collect(results)
	if err != nil {
		return "", out, err
	}
	id := containerID(results, "run-previous")
	if id == "" {
		return "", out, appErr.Failf(appErr.KindCommandFailure, "container runtime did not report a container id")
	}
	return id, out, nil
}
