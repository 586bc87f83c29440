package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/store/migrations"
)

// SchemaState reports where the mirror schema landed after Migrate.
type SchemaState struct {
	Version uint
	Applied bool
}

// Migrate brings the mirror schema up to date from the embedded
// migration files. A dirty version left by an interrupted earlier run
// is an error; the mirror is a rebuildable cache, so the recovery path
// is deleting the file and letting history sync refill it.
func (db *DB) Migrate() (*SchemaState, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	drv, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("wrap sqlite for migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return nil, fmt.Errorf("build migrator: %w", err)
	}

	applied := true
	switch upErr := m.Up(); {
	case errors.Is(upErr, migrate.ErrNoChange):
		applied = false
	case upErr != nil:
		return nil, fmt.Errorf("apply mirror migrations: %w", upErr)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return nil, fmt.Errorf("mirror schema dirty at version %d", version)
	}
	return &SchemaState{Version: version, Applied: applied}, nil
}
