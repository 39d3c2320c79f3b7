package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/internal/repository"
	"github.com/dockhand/engine/pkg/logger"
)

type TargetService interface {
	ListTargets(ctx context.Context) ([]models.Target, error)
	GetTarget(ctx context.Context, name string) (*models.Target, error)
	// ClearIntervention lets runs be admitted for a target again once an
	// operator has repaired it.
	ClearIntervention(ctx context.Context, name string) (*models.Target, error)
}

type targetService struct {
	targets repository.TargetRepository
}

func NewTargetService(targets repository.TargetRepository) TargetService {
	return &targetService{targets: targets}
}

func (s *targetService) ListTargets(ctx context.Context) ([]models.Target, error) {
	return s.targets.List(ctx)
}

func (s *targetService) GetTarget(ctx context.Context, name string) (*models.Target, error) {
	var t models.Target
	if err := s.targets.GetByID(ctx, name, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *targetService) ClearIntervention(ctx context.Context, name string) (*models.Target, error) {
	if err := s.targets.ClearIntervention(ctx, name); err != nil {
		return nil, err
	}
	logger.L().Info("manual intervention cleared", zap.String("target", name))
	return s.GetTarget(ctx, name)
}
