package db

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migration directions accepted by Migrate.
const (
	DirectionUp      = "up"
	DirectionDown    = "down"
	DirectionVersion = "version"
)

// ErrInvalidDirection is returned for an unknown migration direction.
var ErrInvalidDirection = errors.New("invalid migration direction")

// MigrationState is the schema version after a migration run.
type MigrationState struct {
	Version uint
	Dirty   bool
	// Applied is false when the schema has never been migrated.
	Applied bool
}

// Migrate applies the migrations under dir to the database at url. steps
// limits how many are applied; zero means all. DirectionVersion only reports.
func Migrate(url, dir, direction string, steps int) (MigrationState, error) {
	var st MigrationState
	switch direction {
	case DirectionUp, DirectionDown, DirectionVersion:
	default:
		return st, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	m, err := migrate.New("file://"+dir, url)
	if err != nil {
		return st, fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case DirectionUp:
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case DirectionDown:
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return st, fmt.Errorf("migrate %s: %w", direction, err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return st, nil
	case err != nil:
		return st, fmt.Errorf("read schema version: %w", err)
	}
	return MigrationState{Version: version, Dirty: dirty, Applied: true}, nil
}
