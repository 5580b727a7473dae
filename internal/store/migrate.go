package store

import (
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every pending migration under migrations/ to the
// database this Store is connected to. It is safe to call on every
// process start; golang-migrate no-ops when already at the latest
// version.
func (s *Store) Migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return gwerrors.Internal("load embedded migrations", err)
	}

	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return gwerrors.Internal("create migration driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return gwerrors.Internal("create migrator", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return gwerrors.Wrap(gwerrors.ErrCodeDatabaseError, "apply migrations", 500, err)
	}
	return nil
}
