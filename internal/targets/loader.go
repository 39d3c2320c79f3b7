// Package targets loads deployment targets from a YAML file.
package targets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/pkg/logger"
)

// File is the layout of the targets file.
type File struct {
	Targets []models.Target `yaml:"targets" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a targets document. Unknown keys are rejected so
// a typo does not silently drop a setting.
func Parse(data []byte) ([]models.Target, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid targets: %w", err)
	}

	seen := make(map[string]bool, len(f.Targets))
	for i := range f.Targets {
		t := &f.Targets[i]
		if seen[t.Name] {
			return nil, fmt.Errorf("target %q declared twice", t.Name)
		}
		seen[t.Name] = true
		if t.ContextDir == "" {
			t.ContextDir = "."
		}
	}
	return f.Targets, nil
}

// Load reads and parses the targets file at path.
func Load(path string) ([]models.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return Parse(data)
}

type Upserter interface {
	Upsert(ctx context.Context, t *models.Target) error
}

// Sync upserts every target. Container identity and intervention flags
// already recorded for a target are kept.
func Sync(ctx context.Context, repo Upserter, targets []models.Target) error {
	for i := range targets {
		if err := repo.Upsert(ctx, &targets[i]); err != nil {
			return fmt.Errorf("sync target %s: %w", targets[i].Name, err)
		}
	}
	logger.L().Info("targets synced", zap.Int("count", len(targets)))
	return nil
}
