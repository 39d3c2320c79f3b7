package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dockhand/engine/internal/models"
	appErr "github.com/dockhand/engine/pkg/errors"
)

// RunFilter narrows List.
type RunFilter struct {
	Target string
	State  models.RunState
	Limit  int
}

type RunRepository interface {
	BaseRepository[models.Run]
	// FindPendingByTarget loads the oldest Queued or active run for target.
	FindPendingByTarget(ctx context.Context, target string, dest *models.Run) error
	// Coalesce folds a further trigger into an existing run.
	Coalesce(ctx context.Context, id uuid.UUID, ref string) error
	// SaveFrom persists run only if the stored state still equals from.
	SaveFrom(ctx context.Context, run *models.Run, from models.RunState) error
	CountByState(ctx context.Context, state models.RunState) (int64, error)
	List(ctx context.Context, f RunFilter) ([]models.Run, error)
	ListByStates(ctx context.Context, states ...models.RunState) ([]models.Run, error)
	// PurgeFinishedBefore deletes terminal runs that finished before cutoff.
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type runRepository struct {
	BaseRepository[models.Run]
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{BaseRepository: NewBaseRepository[models.Run](db, "run", "id"), db: db}
}

const defaultListLimit = 50

func (r *runRepository) FindPendingByTarget(ctx context.Context, target string, dest *models.Run) error {
	err := r.db.WithContext(ctx).
		Where("target = ? AND state IN ?", target, models.PendingStates).
		Order("created_at ASC").
		First(dest).Error
	if err != nil {
		return notFoundOr(err, "pending run")
	}
	return nil
}

func (r *runRepository) Coalesce(ctx context.Context, id uuid.UUID, ref string) error {
	res := r.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"coalesced":  gorm.Expr("coalesced + 1"),
			"latest_ref": ref,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "coalesce run failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "run not found")
	}
	return nil
}

// triggerColumns are written only by Coalesce, so saving a stale copy of a
// run never loses a trigger that arrived meanwhile.
var triggerColumns = []string{"coalesced", "latest_ref"}

// Update saves every column except the trigger counters.
func (r *runRepository) Update(ctx context.Context, run *models.Run) error {
	if err := r.db.WithContext(ctx).Omit(triggerColumns...).Save(run).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "update run failed")
	}
	return nil
}

func (r *runRepository) SaveFrom(ctx context.Context, run *models.Run, from models.RunState) error {
	res := r.db.WithContext(ctx).Model(run).
		Where("state = ?", from).
		Select("*").
		Omit(triggerColumns...).
		Updates(run)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update run failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeConflict, "run is no longer "+string(from)).WithMeta("run_id", run.ID.String())
	}
	return nil
}

func (r *runRepository) CountByState(ctx context.Context, state models.RunState) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Run{}).Where("state = ?", state).Count(&n).Error; err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count runs failed")
	}
	return n, nil
}

func (r *runRepository) List(ctx context.Context, f RunFilter) ([]models.Run, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if f.Target != "" {
		q = q.Where("target = ?", f.Target)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	var out []models.Run
	if err := q.Limit(limit).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list runs failed")
	}
	return out, nil
}

func (r *runRepository) ListByStates(ctx context.Context, states ...models.RunState) ([]models.Run, error) {
	var out []models.Run
	if err := r.db.WithContext(ctx).Where("state IN ?", states).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list runs by state failed")
	}
	return out, nil
}

func (r *runRepository) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("state IN ? AND finished_at IS NOT NULL AND finished_at < ?", models.TerminalStates, cutoff).
		Delete(&models.Run{})
	if res.Error != nil {
		return 0, appErr.Wrap(res.Error, appErr.CodeInternal, "purge runs failed")
	}
	return res.RowsAffected, nil
}
