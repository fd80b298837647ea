// Command migrate manages the schema of the postgres watch state backend.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/config"
	"github.com/ad-tracker/channel-announcer/internal/db"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

func main() {
	var (
		dbURL          string
		migrationsPath string
		direction      string
		steps          int
	)

	flag.StringVar(&dbURL, "db", "", "Database URL (defaults to state.databaseurl / APP_STATE_DATABASEURL)")
	flag.StringVar(&migrationsPath, "path", "./migrations", "Path to migrations directory")
	flag.StringVar(&direction, "direction", db.DirectionUp, "Migration direction: up, down, or version")
	flag.IntVar(&steps, "steps", 0, "Number of steps to migrate (0 means all)")
	flag.Parse()

	if err := logger.Init("info", ""); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Named("migrate")
	defer func() { _ = logger.Sync() }()

	if dbURL == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatal("failed to load configuration", zap.Error(err))
		}
		dbURL = cfg.State.DatabaseURL
	}
	if dbURL == "" {
		log.Fatal("database URL must be provided via -db or state.databaseurl")
	}

	st, err := db.Migrate(dbURL, migrationsPath, direction, steps)
	if err != nil {
		log.Fatal("migration failed", zap.String("direction", direction), zap.Error(err))
	}
	if !st.Applied {
		log.Info("no migrations applied")
		return
	}
	log.Info("migration state", zap.Uint("version", st.Version), zap.Bool("dirty", st.Dirty))
}
