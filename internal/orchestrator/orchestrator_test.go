package orchestrator

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/dockhand/engine/internal/builder"
	"github.com/dockhand/engine/internal/lock"
	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/internal/registry"
	"github.com/dockhand/engine/internal/remote"
	"github.com/dockhand/engine/internal/repository"
	"github.com/dockhand/engine/internal/secrets"
	"github.com/dockhand/engine/internal/testutil"
	appErr "github.com/dockhand/engine/pkg/errors"
	"github.com/dockhand/engine/pkg/logger"
)

const (
	imageID    = "sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4"
	repoDigest = "sha256:b5b2b2c507a0944348e0303114d8d93aaaa081732b86451d9bce1f432a537bc7"
	oldImage   = "registry.example.com/host-1@sha256:0000000000000000000000000000000000000000000000000000000000000001"
)

func TestMain(m *testing.M) {
	logger.UseNop()
	os.Exit(m.Run())
}

type mockBuilder struct{ mock.Mock }

func (m *mockBuilder) Build(ctx context.Context, req builder.Request) (builder.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(builder.Result)
	return res, args.Error(1)
}

type mockRegistry struct{ mock.Mock }

func (m *mockRegistry) Authenticate(ctx context.Context, target models.Target) (registry.Auth, error) {
	args := m.Called(target.Name)
	return args.Get(0).(registry.Auth), args.Error(1)
}

func (m *mockRegistry) Push(ctx context.Context, art models.Artifact, auth registry.Auth) (models.Artifact, error) {
	args := m.Called(art)
	out, _ := args.Get(0).(models.Artifact)
	return out, args.Error(1)
}

type mockExecutor struct{ mock.Mock }

func (m *mockExecutor) RunSequence(ctx context.Context, host remote.Host, cred secrets.Credential, cmds []remote.Command) ([]remote.Result, error) {
	args := m.Called(cmds)
	res, _ := args.Get(0).([]remote.Result)
	return res, args.Error(1)
}

// seq matches a command sequence by names.
func seq(names ...string) interface{} {
	return mock.MatchedBy(func(cmds []remote.Command) bool {
		if len(cmds) != len(names) {
			return false
		}
		for i := range cmds {
			if cmds[i].Name != names[i] {
				return false
			}
		}
		return true
	})
}

func ok(names ...string) []remote.Result {
	out := make([]remote.Result, 0, len(names))
	for _, n := range names {
		out = append(out, remote.Result{Name: n})
	}
	return out
}

type countingCreds struct{ calls int32 }

func (c *countingCreds) Resolve(ctx context.Context, ref string) (secrets.Credential, error) {
	atomic.AddInt32(&c.calls, 1)
	return secrets.Credential{Username: "deploy", Password: "pw"}, nil
}

type harness struct {
	db       *gorm.DB
	runs     repository.RunRepository
	targets  repository.TargetRepository
	builder  *mockBuilder
	registry *mockRegistry
	executor *mockExecutor
	creds    *countingCreds
	locker   *lock.Memory
	orch     *Orchestrator
}

func newHarness(t *testing.T, tune ...func(*Config)) *harness {
	db := testutil.NewDB(t)
	h := &harness{
		db:       db,
		runs:     repository.NewRunRepository(db),
		targets:  repository.NewTargetRepository(db),
		builder:  new(mockBuilder),
		registry: new(mockRegistry),
		executor: new(mockExecutor),
		creds:    &countingCreds{},
		locker:   lock.NewMemory(),
	}
	cfg := Config{
		StageTimeout: time.Second,
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		LeaseTTL:     time.Minute,
	}
	for _, fn := range tune {
		fn(&cfg)
	}
	h.orch = New(Deps{
		Runs:     h.runs,
		Targets:  h.targets,
		Builder:  h.builder,
		Registry: h.registry,
		Executor: h.executor,
		Creds:    h.creds,
		Locker:   h.locker,
	}, cfg)
	return h
}

func (h *harness) queue(t *testing.T, target, ref string) models.Run {
	run := models.NewRun(target, ref, time.Now())
	require.NoError(t, h.runs.Create(context.Background(), &run))
	return run
}

func (h *harness) reload(t *testing.T, run models.Run) models.Run {
	var got models.Run
	require.NoError(t, h.runs.GetByID(context.Background(), run.ID, &got))
	return got
}

func (h *harness) target(t *testing.T, name string) models.Target {
	var got models.Target
	require.NoError(t, h.targets.GetByID(context.Background(), name, &got))
	return got
}

func withPrevious(tg *models.Target) {
	tg.ContainerID = "old1"
	tg.CurrentImage = oldImage
}

func builtArtifact(tag string) builder.Result {
	now := time.Now()
	return builder.Result{
		Artifact: models.Artifact{Digest: imageID, Repository: "registry.example.com/host-1", Tag: tag, BuiltAt: &now},
		Output:   "Successfully built\n",
	}
}

func pushed(tag string) models.Artifact {
	a := builtArtifact(tag).Artifact
	a.RepoDigest = repoDigest
	return a
}

const pinned = "registry.example.com/host-1@" + repoDigest

// expectBuildAndPush wires a successful build and push of tag.
func (h *harness) expectBuildAndPush(tag string) {
	h.builder.On("Build", mock.Anything, mock.MatchedBy(func(r builder.Request) bool { return r.Tag == tag })).Return(builtArtifact(tag), nil).Once()
	h.registry.On("Authenticate", "host-1").Return(registry.Auth{ServerAddress: "registry.example.com", Username: "ci", Password: "tok"}, nil)
	h.registry.On("Push", mock.MatchedBy(func(a models.Artifact) bool { return a.Digest == imageID })).Return(pushed(tag), nil).Once()
}

func stageStatus(run models.Run, name models.StageName) models.StageStatus {
	return run.Stage(name).Status
}

func TestFirstDeploySucceeds(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")

	h.expectBuildAndPush("abc123")
	h.executor.On("RunSequence", seq("login", "pull")).Return(ok("login", "pull"), nil).Once()
	h.executor.On("RunSequence", seq("run")).Return([]remote.Result{{Name: "run", Stdout: "c0ffee\n"}}, nil).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunSucceeded, got.State)
	require.Equal(t, "c0ffee", got.ContainerID)
	require.Equal(t, repoDigest, got.Artifact.RepoDigest)
	require.Equal(t, models.StageSucceeded, stageStatus(got, models.StageBuild))
	require.Equal(t, models.StageSucceeded, stageStatus(got, models.StagePush))
	require.Equal(t, models.StageSucceeded, stageStatus(got, models.StageRemotePull))
	require.Equal(t, models.StageSkipped, stageStatus(got, models.StageStopOld))
	require.Equal(t, models.StageSucceeded, stageStatus(got, models.StageStartNew))
	require.Contains(t, got.Stage(models.StageBuild).Output, "Successfully built")
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	tg := h.target(t, "host-1")
	require.Equal(t, "c0ffee", tg.ContainerID)
	require.Equal(t, pinned, tg.CurrentImage)
	require.Empty(t, tg.PreviousImage)
	require.EqualValues(t, 2, atomic.LoadInt32(&h.creds.calls), "one credential resolution per remote stage")
	h.executor.AssertExpectations(t)
}

func TestRedeployStopsPreviousContainer(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1", withPrevious)
	run := h.queue(t, "host-1", "abc123")

	h.expectBuildAndPush("abc123")
	h.executor.On("RunSequence", seq("login", "pull")).Return(ok("login", "pull"), nil).Once()
	h.executor.On("RunSequence", mock.MatchedBy(func(cmds []remote.Command) bool {
		return len(cmds) == 2 && cmds[0].Name == "stop" && cmds[0].Args[2] == "old1" && cmds[1].Name == "rm"
	})).Return(ok("stop", "rm"), nil).Once()
	h.executor.On("RunSequence", seq("run")).Return([]remote.Result{{Name: "run", Stdout: "new1\n"}}, nil).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunSucceeded, got.State)
	require.Equal(t, "old1", got.PreviousContainerID)
	require.Equal(t, oldImage, got.PreviousImage)
	require.ElementsMatch(t, []string{"stop", "rm"}, got.Stage(models.StageStopOld).Applied)

	tg := h.target(t, "host-1")
	require.Equal(t, "new1", tg.ContainerID)
	require.Equal(t, pinned, tg.CurrentImage)
	require.Equal(t, oldImage, tg.PreviousImage)
}

func TestBuildFailureNeverPushes(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")

	f := appErr.Failf(appErr.KindBuildFailure, "RUN make exited 2")
	f.Output = "make: *** No rule to make target\n"
	h.builder.On("Build", mock.Anything, mock.Anything).Return(nil, f).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunFailed, got.State)
	require.Equal(t, string(appErr.KindBuildFailure), got.FailureKind)
	require.Equal(t, string(models.StageBuild), got.FailureStage)
	require.Equal(t, 1, got.Stage(models.StageBuild).Attempts, "build failures are not retried")
	require.Contains(t, got.Stage(models.StageBuild).Output, "No rule")
	require.Equal(t, models.StagePending, stageStatus(got, models.StagePush))
	h.registry.AssertNotCalled(t, "Push", mock.Anything)
	h.executor.AssertNotCalled(t, "RunSequence", mock.Anything)
}

func TestTransientPushIsRetried(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")

	h.builder.On("Build", mock.Anything, mock.Anything).Return(builtArtifact("abc123"), nil).Once()
	h.registry.On("Authenticate", "host-1").Return(registry.Auth{ServerAddress: "registry.example.com"}, nil)
	h.registry.On("Push", mock.Anything).Return(nil, appErr.Failf(appErr.KindRegistryUnavailable, "503")).Once()
	h.registry.On("Push", mock.Anything).Return(pushed("abc123"), nil).Once()
	h.executor.On("RunSequence", seq("pull")).Return(ok("pull"), nil).Once()
	h.executor.On("RunSequence", seq("run")).Return([]remote.Result{{Name: "run", Stdout: "c1"}}, nil).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunSucceeded, got.State)
	require.Equal(t, 2, got.Stage(models.StagePush).Attempts)
	require.Equal(t, 1, got.Stage(models.StageBuild).Attempts, "only the failed stage re-runs")
}

func TestRetriesAreBounded(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")

	h.builder.On("Build", mock.Anything, mock.Anything).Return(builtArtifact("abc123"), nil).Once()
	h.registry.On("Authenticate", "host-1").Return(registry.Auth{}, nil)
	h.registry.On("Push", mock.Anything).Return(nil, appErr.Failf(appErr.KindRegistryUnavailable, "503"))

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunFailed, got.State)
	require.Equal(t, string(appErr.KindRegistryUnavailable), got.FailureKind)
	require.Equal(t, 3, got.Stage(models.StagePush).Attempts)
	h.registry.AssertNumberOfCalls(t, "Push", 3)
}

func TestAuthFailureSurfacesImmediately(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")

	h.builder.On("Build", mock.Anything, mock.Anything).Return(builtArtifact("abc123"), nil).Once()
	h.registry.On("Authenticate", "host-1").Return(registry.Auth{}, nil)
	h.registry.On("Push", mock.Anything).Return(nil, appErr.Failf(appErr.KindAuthFailure, "denied"))

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunFailed, got.State)
	require.Equal(t, string(appErr.KindAuthFailure), got.FailureKind)
	h.registry.AssertNumberOfCalls(t, "Push", 1)
}

func TestStartFailureAfterStopRollsBack(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1", withPrevious)
	run := h.queue(t, "host-1", "abc123")

	h.expectBuildAndPush("abc123")
	h.executor.On("RunSequence", seq("login", "pull")).Return(ok("login", "pull"), nil).Once()
	h.executor.On("RunSequence", seq("stop", "rm")).Return(ok("stop", "rm"), nil).Once()
	h.executor.On("RunSequence", seq("run")).Return(
		[]remote.Result{{Name: "run", ExitCode: 1, Stderr: "port is already allocated"}},
		appErr.CommandFailed(1, "port is already allocated", errors.New("run exited with 1")),
	).Once()
	h.executor.On("RunSequence", seq("rm-failed", "image-inspect")).Return(ok("rm-failed", "image-inspect"), nil).Once()
	h.executor.On("RunSequence", mock.MatchedBy(func(cmds []remote.Command) bool {
		return len(cmds) == 1 && cmds[0].Name == "run-previous" && cmds[0].Args[len(cmds[0].Args)-1] == oldImage
	})).Return([]remote.Result{{Name: "run-previous", Stdout: "restored\n"}}, nil).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunRolledBack, got.State)
	require.Equal(t, string(appErr.KindCommandFailure), got.FailureKind)
	require.Equal(t, string(models.StageStartNew), got.FailureStage)
	require.False(t, got.ManualIntervention)
	require.Equal(t, 1, got.Stage(models.StageStartNew).Attempts, "command failures are not retried")
	require.Contains(t, got.Stage(models.StageStartNew).Output, "port is already allocated")

	tg := h.target(t, "host-1")
	require.Equal(t, "restored", tg.ContainerID)
	require.Equal(t, oldImage, tg.CurrentImage)
	require.False(t, tg.ManualIntervention)
	h.executor.AssertExpectations(t)
}

func TestRollbackPullsMissingPreviousImage(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1", withPrevious)
	run := h.queue(t, "host-1", "abc123")

	h.expectBuildAndPush("abc123")
	h.executor.On("RunSequence", seq("login", "pull")).Return(ok("login", "pull"), nil).Twice()
	h.executor.On("RunSequence", seq("stop", "rm")).Return(ok("stop", "rm"), nil).Once()
	h.executor.On("RunSequence", seq("run")).Return(nil, appErr.CommandFailed(125, "", errors.New("exit 125"))).Once()
	h.executor.On("RunSequence", seq("rm-failed", "image-inspect")).Return(
		[]remote.Result{{Name: "rm-failed"}, {Name: "image-inspect", ExitCode: 1}},
		appErr.CommandFailed(1, "No such image", errors.New("exit 1")),
	).Once()
	h.executor.On("RunSequence", seq("run-previous")).Return([]remote.Result{{Name: "run-previous", Stdout: "restored"}}, nil).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))
	require.Equal(t, models.RunRolledBack, h.reload(t, run).State)
	h.executor.AssertExpectations(t)
}

func TestRollbackFailureFlagsManualIntervention(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1", withPrevious)
	run := h.queue(t, "host-1", "abc123")

	h.expectBuildAndPush("abc123")
	h.executor.On("RunSequence", seq("login", "pull")).Return(ok("login", "pull"), nil).Once()
	h.executor.On("RunSequence", seq("stop", "rm")).Return(ok("stop", "rm"), nil).Once()
	h.executor.On("RunSequence", seq("run")).Return(nil, appErr.CommandFailed(1, "", errors.New("exit 1"))).Once()
	h.executor.On("RunSequence", seq("rm-failed", "image-inspect")).Return(ok("rm-failed", "image-inspect"), nil).Once()
	h.executor.On("RunSequence", seq("run-previous")).Return(nil, appErr.CommandFailed(1, "", errors.New("exit 1"))).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunFailed, got.State)
	require.Equal(t, string(appErr.KindRollbackFailure), got.FailureKind)
	require.True(t, got.ManualIntervention)

	tg := h.target(t, "host-1")
	require.True(t, tg.ManualIntervention)
	require.NotEmpty(t, tg.InterventionReason)

	// A flagged target refuses further runs without touching the host.
	next := h.queue(t, "host-1", "def456")
	require.NoError(t, h.orch.Execute(context.Background(), next.ID))
	require.Equal(t, models.RunFailed, h.reload(t, next).State)
	h.builder.AssertNumberOfCalls(t, "Build", 1)
}

func TestStartFailureWithoutPreviousContainerFails(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")

	h.expectBuildAndPush("abc123")
	h.executor.On("RunSequence", seq("login", "pull")).Return(ok("login", "pull"), nil).Once()
	h.executor.On("RunSequence", seq("run")).Return(nil, appErr.CommandFailed(1, "", errors.New("exit 1"))).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunFailed, got.State)
	require.Equal(t, string(appErr.KindCommandFailure), got.FailureKind)
	require.False(t, got.ManualIntervention)
	h.executor.AssertExpectations(t)
}

func TestStopFailureAfterPartialApplyIsFlagged(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1", withPrevious)
	run := h.queue(t, "host-1", "abc123")

	h.expectBuildAndPush("abc123")
	h.executor.On("RunSequence", seq("login", "pull")).Return(ok("login", "pull"), nil).Once()
	h.executor.On("RunSequence", seq("stop", "rm")).Return(
		[]remote.Result{{Name: "stop"}, {Name: "rm", ExitCode: 1}},
		appErr.CommandFailed(1, "removal in progress", errors.New("exit 1")),
	).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunFailed, got.State)
	require.True(t, got.ManualIntervention)
	require.Equal(t, []string{"stop"}, got.Stage(models.StageStopOld).Applied)
	require.True(t, h.target(t, "host-1").ManualIntervention)
}

func TestRetrySkipsAppliedCommands(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1", withPrevious)
	run := h.queue(t, "host-1", "abc123")

	h.expectBuildAndPush("abc123")
	h.executor.On("RunSequence", seq("login", "pull")).Return(ok("login", "pull"), nil).Once()
	h.executor.On("RunSequence", seq("stop", "rm")).Return(
		[]remote.Result{{Name: "stop"}, {Name: "rm", ExitCode: -1}},
		appErr.Failf(appErr.KindConnectFailure, "connection reset"),
	).Once()
	h.executor.On("RunSequence", seq("rm")).Return(ok("rm"), nil).Once()
	h.executor.On("RunSequence", seq("run")).Return([]remote.Result{{Name: "run", Stdout: "new1"}}, nil).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunSucceeded, got.State)
	require.Equal(t, 2, got.Stage(models.StageStopOld).Attempts)
	h.executor.AssertExpectations(t)
}

func TestStageTimeoutIsRetriedThenFails(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.StageTimeout = 30 * time.Millisecond
	h.orch.cfg.MaxAttempts = 2
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")

	h.builder.On("Build", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded)

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunFailed, got.State)
	require.Equal(t, string(appErr.KindTimeout), got.FailureKind)
	require.Equal(t, 2, got.Stage(models.StageBuild).Attempts)
}

func TestBusyTargetIsRetriedLater(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")

	_, err := h.locker.TryLock(context.Background(), LeaseKey("host-1"), time.Minute)
	require.NoError(t, err)

	err = h.orch.Execute(context.Background(), run.ID)
	require.ErrorIs(t, err, ErrTargetBusy)
	require.Equal(t, models.RunQueued, h.reload(t, run).State)
	h.builder.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
}

func TestCancelledRunIsNotExecuted(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")
	require.NoError(t, run.Transition(models.RunCancelled, time.Now()))
	require.NoError(t, h.runs.Update(context.Background(), &run))

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))
	require.Equal(t, models.RunCancelled, h.reload(t, run).State)
	h.builder.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
}

func TestQueuedRunBuildsLatestCoalescedRef(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")
	require.NoError(t, h.runs.Coalesce(context.Background(), run.ID, "refs/heads/main@def456"))

	h.builder.On("Build", mock.Anything, mock.MatchedBy(func(r builder.Request) bool {
		return r.Tag == "refs-heads-main-def456" && r.BuildArgs["SOURCE_REF"] == "refs/heads/main@def456"
	})).Return(nil, appErr.Failf(appErr.KindBuildFailure, "stop here")).Once()

	require.NoError(t, h.orch.Execute(context.Background(), run.ID))
	got := h.reload(t, run)
	require.Equal(t, "abc123", got.Ref)
	require.Equal(t, 1, got.Coalesced)
	h.builder.AssertExpectations(t)
}

func TestRecoverOrphans(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	testutil.SeedTarget(t, h.db, "host-2")
	ctx := context.Background()

	orphan := h.queue(t, "host-1", "abc")
	orphan.State = models.RunDeploying
	require.NoError(t, h.runs.Update(ctx, &orphan))

	live := h.queue(t, "host-2", "def")
	live.State = models.RunBuilding
	require.NoError(t, h.runs.Update(ctx, &live))
	_, err := h.locker.TryLock(ctx, LeaseKey("host-2"), time.Minute)
	require.NoError(t, err)

	n, err := h.orch.RecoverOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := h.reload(t, orphan)
	require.Equal(t, models.RunFailed, got.State)
	require.True(t, got.ManualIntervention)
	require.True(t, h.target(t, "host-1").ManualIntervention)

	require.Equal(t, models.RunBuilding, h.reload(t, live).State)
	require.False(t, h.target(t, "host-2").ManualIntervention)
}

func TestLeaseIsRenewedDuringLongStage(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.LeaseTTL = 150 * time.Millisecond })
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")
	ctx := context.Background()

	var recovered int
	h.builder.On("Build", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		time.Sleep(400 * time.Millisecond)
		n, err := h.orch.RecoverOrphans(ctx)
		require.NoError(t, err)
		recovered = n
		_, err = h.locker.TryLock(ctx, LeaseKey("host-1"), time.Minute)
		require.ErrorIs(t, err, lock.ErrHeld)
	}).Return(builtArtifact("abc123"), nil).Once()
	h.registry.On("Authenticate", "host-1").Return(registry.Auth{ServerAddress: "registry.example.com"}, nil)
	h.registry.On("Push", mock.Anything).Return(pushed("abc123"), nil).Once()
	h.executor.On("RunSequence", seq("pull")).Return(ok("pull"), nil).Once()
	h.executor.On("RunSequence", seq("run")).Return([]remote.Result{{Name: "run", Stdout: "c1"}}, nil).Once()

	require.NoError(t, h.orch.Execute(ctx, run.ID))

	require.Zero(t, recovered, "a run whose worker keeps renewing its lease is not an orphan")
	got := h.reload(t, run)
	require.Equal(t, models.RunSucceeded, got.State)
	require.False(t, got.ManualIntervention)
}

func TestRunFinishedElsewhereIsNotRevived(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	run := h.queue(t, "host-1", "abc123")
	ctx := context.Background()

	h.builder.On("Build", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		var other models.Run
		require.NoError(t, h.runs.GetByID(ctx, run.ID, &other))
		other.Fail("", string(appErr.KindInternal), "worker stopped while run was building")
		other.ManualIntervention = true
		require.NoError(t, other.Transition(models.RunFailed, time.Now()))
		require.NoError(t, h.runs.SaveFrom(ctx, &other, models.RunBuilding))
	}).Return(builtArtifact("abc123"), nil).Once()

	require.NoError(t, h.orch.Execute(ctx, run.ID))

	got := h.reload(t, run)
	require.Equal(t, models.RunFailed, got.State)
	require.True(t, got.ManualIntervention)
	require.Equal(t, "worker stopped while run was building", got.FailureMessage)
	h.registry.AssertNotCalled(t, "Push", mock.Anything)
	h.executor.AssertNotCalled(t, "RunSequence", mock.Anything)
}

func TestJanitorSweepRecoversOrphanOnceLeaseExpires(t *testing.T) {
	h := newHarness(t)
	testutil.SeedTarget(t, h.db, "host-1")
	ctx := context.Background()

	orphan := h.queue(t, "host-1", "abc")
	orphan.State = models.RunBuilding
	require.NoError(t, h.runs.Update(ctx, &orphan))
	// Lease left behind by a worker that died mid-build.
	_, err := h.locker.TryLock(ctx, LeaseKey("host-1"), 30*time.Millisecond)
	require.NoError(t, err)

	h.orch.sweep(ctx, 24*time.Hour)
	require.Equal(t, models.RunBuilding, h.reload(t, orphan).State)

	time.Sleep(60 * time.Millisecond)
	h.orch.sweep(ctx, 24*time.Hour)

	got := h.reload(t, orphan)
	require.Equal(t, models.RunFailed, got.State)
	require.True(t, got.ManualIntervention)
	require.False(t, h.target(t, "host-1").ManualIntervention, "nothing had touched the host yet")

	// The target takes new runs again.
	var pending models.Run
	require.True(t, appErr.IsCode(h.runs.FindPendingByTarget(ctx, "host-1", &pending), appErr.CodeNotFound))
}

func TestPurgeRemovesOnlyOldTerminalRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := models.NewRun("host-1", "a", time.Now().Add(-72*time.Hour))
	require.NoError(t, old.Transition(models.RunCancelled, time.Now().Add(-72*time.Hour)))
	require.NoError(t, h.runs.Create(ctx, &old))
	fresh := h.queue(t, "host-1", "b")

	n, err := h.orch.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, models.RunQueued, h.reload(t, fresh).State)
}

func TestImageTag(t *testing.T) {
	require.Equal(t, "abc123", imageTag("abc123"))
	require.Equal(t, "refs-heads-main", imageTag("refs/heads/main"))
	require.Equal(t, "latest", imageTag("..."))
	require.Len(t, imageTag(strings.Repeat("a", 300)), 128)
}
