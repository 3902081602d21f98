package featurestore

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/akiops/aki-pipeline/internal/errs"
	"github.com/akiops/aki-pipeline/pkg/log"
)

//go:embed migrations/sqlite3
var migrationFiles embed.FS

// runMigrations applies every pending schema migration to path, creating the
// feature-store tables on first run.
func runMigrations(path string) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("%w: loading embedded migrations: %v", errs.FatalStartupError, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, fmt.Sprintf("sqlite3://%s?_foreign_keys=on", path))
	if err != nil {
		return fmt.Errorf("%w: opening migration driver for %q: %v", errs.FatalStartupError, path, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("%w: applying feature store migrations: %v", errs.FatalStartupError, err)
	}

	log.Info("featurestore: schema up to date")
	return nil
}
