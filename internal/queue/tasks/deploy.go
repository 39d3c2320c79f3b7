package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/orchestrator"
	appErr "github.com/dockhand/engine/pkg/errors"
	"github.com/dockhand/engine/pkg/logger"
)

const (
	// TypeDeployRun drives one run to a terminal state.
	TypeDeployRun = "deployment:run"
	// QueueDeploy is the asynq queue deploy tasks are enqueued on.
	QueueDeploy = "deploy"

	busyRetryDelay = 5 * time.Second
)

// DeployPayload is the task payload for deploy tasks.
type DeployPayload struct {
	RunID string `json:"run_id"`
}

// NewDeployTask builds the task for run id.
func NewDeployTask(runID uuid.UUID) (*asynq.Task, error) {
	b, err := json.Marshal(DeployPayload{RunID: runID.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeployRun, b), nil
}

// DeployOptions are the enqueue options for run id. The task id is the run
// id, so a run is never enqueued twice while its task is pending. A positive
// timeout bounds how long the worker may spend on the task.
func DeployOptions(runID uuid.UUID, timeout time.Duration) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(QueueDeploy),
		asynq.TaskID(runID.String()),
		asynq.MaxRetry(60),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return opts
}

// RunExecutor runs a queued run to completion.
type RunExecutor interface {
	Execute(ctx context.Context, runID uuid.UUID) error
}

// DeployTaskHandler hands dequeued runs to the orchestrator.
type DeployTaskHandler struct {
	orch RunExecutor
}

func NewDeployTaskHandler(orch RunExecutor) *DeployTaskHandler {
	return &DeployTaskHandler{orch: orch}
}

func (h *DeployTaskHandler) HandleDeploy(ctx context.Context, t *asynq.Task) error {
	var p DeployPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid deploy task payload", zap.Error(err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(p.RunID)
	if err != nil {
		logger.L().Error("invalid run id in task", zap.String("run_id", p.RunID), zap.Error(err))
		return fmt.Errorf("run id %q: %v: %w", p.RunID, err, asynq.SkipRetry)
	}

	logger.L().Info("handling deploy task", zap.String("run_id", id.String()))
	err = h.orch.Execute(ctx, id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, orchestrator.ErrTargetBusy):
		logger.L().Info("target busy, deploy task will be retried", zap.String("run_id", id.String()), zap.Error(err))
		return err
	case appErr.IsCode(err, appErr.CodeNotFound):
		logger.L().Warn("run for deploy task not found", zap.String("run_id", id.String()))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		logger.L().Error("deploy task failed", zap.String("run_id", id.String()), zap.Error(err))
		return err
	}
}

// RetryDelay retries busy targets at a short fixed interval and everything
// else with asynq's default backoff.
func RetryDelay(n int, err error, t *asynq.Task) time.Duration {
	if errors.Is(err, orchestrator.ErrTargetBusy) {
		return busyRetryDelay
	}
	return asynq.DefaultRetryDelayFunc(n, err, t)
}

// IsFailure keeps a busy target out of the failed-task statistics.
func IsFailure(err error) bool {
	return !errors.Is(err, orchestrator.ErrTargetBusy)
}
