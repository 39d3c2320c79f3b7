package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dockhand/engine/internal/models"
	appErr "github.com/dockhand/engine/pkg/errors"
)

type TargetRepository interface {
	BaseRepository[models.Target]
	List(ctx context.Context) ([]models.Target, error)
	// Upsert writes declared configuration, leaving container state untouched.
	Upsert(ctx context.Context, t *models.Target) error
	// RecordDeployment moves current_image to previous_image and installs the new container.
	RecordDeployment(ctx context.Context, name, containerID, image string) error
	SetContainer(ctx context.Context, name, containerID string) error
	SetIntervention(ctx context.Context, name, reason string) error
	ClearIntervention(ctx context.Context, name string) error
}

type targetRepository struct {
	BaseRepository[models.Target]
	db *gorm.DB
}

func NewTargetRepository(db *gorm.DB) TargetRepository {
	return &targetRepository{BaseRepository: NewBaseRepository[models.Target](db, "target", "name"), db: db}
}

// configColumns are the columns owned by the targets file.
var configColumns = []string{
	"host", "port", "user", "credential_ref",
	"repository", "source_repository", "registry_credential_ref",
	"context_dir", "dockerfile", "build_args", "run_args",
	"container_name", "updated_at",
}

func (r *targetRepository) List(ctx context.Context) ([]models.Target, error) {
	var out []models.Target
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list targets failed")
	}
	return out, nil
}

func (r *targetRepository) Upsert(ctx context.Context, t *models.Target) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns(configColumns),
	}).Create(t).Error
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "upsert target failed")
	}
	return nil
}

func (r *targetRepository) RecordDeployment(ctx context.Context, name, containerID, image string) error {
	return r.update(ctx, name, "record deployment", map[string]any{
		"previous_image": gorm.Expr("current_image"),
		"current_image":  image,
		"container_id":   containerID,
	})
}

func (r *targetRepository) SetContainer(ctx context.Context, name, containerID string) error {
	return r.update(ctx, name, "set container", map[string]any{"container_id": containerID})
}

func (r *targetRepository) SetIntervention(ctx context.Context, name, reason string) error {
	return r.update(ctx, name, "flag target", map[string]any{
		"manual_intervention": true,
		"intervention_reason": reason,
	})
}

func (r *targetRepository) ClearIntervention(ctx context.Context, name string) error {
	return r.update(ctx, name, "clear target flag", map[string]any{
		"manual_intervention": false,
		"intervention_reason": "",
	})
}

func (r *targetRepository) update(ctx context.Context, name, op string, cols map[string]any) error {
	cols["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&models.Target{}).Where("name = ?", name).Updates(cols)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, op+" failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "target "+name+" not found")
	}
	return nil
}
