package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dockhand/engine/pkg/config"
	"github.com/dockhand/engine/pkg/database"
	"github.com/dockhand/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := database.Open(context.Background(), database.Options{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseURL, Verbose: true})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := runMigrations(db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	fmt.Fprintln(os.Stdout, "migrations completed")
}
