// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/pkg/database"
)

// NewDB opens a private in-memory sqlite database with the schema migrated.
// The caller must have installed a logger (logger.UseNop in TestMain).
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.Open(context.Background(), database.Options{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.Registry()...))

	sqlDB, err := db.DB()
	require.NoError(t, err)

	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// SeedTarget inserts a target with sensible defaults; mutate adjusts it first.
func SeedTarget(t *testing.T, db *gorm.DB, name string, mutate ...func(*models.Target)) models.Target {
	t.Helper()
	tg := models.Target{
		Name:          name,
		Host:          "10.0.0.10",
		Port:          22,
		User:          "deploy",
		CredentialRef: "env:DEPLOY_KEY",
		Repository:    "registry.example.com/" + name,
		ContextDir:    ".",
		ContainerName: name + "-app",
	}
	for _, m := range mutate {
		m(&tg)
	}
	require.NoError(t, db.Create(&tg).Error)
	return tg
}
