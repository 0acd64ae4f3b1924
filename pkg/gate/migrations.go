package gate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/nais/promote/pkg/config"
)

type MigrationStatus struct {
	// Version applied to the database; zero when nothing is applied.
	Current uint
	// Newest version available in the migration source.
	Latest uint
	Dirty  bool
}

func (s MigrationStatus) Pending() bool {
	return s.Dirty || s.Current < s.Latest
}

func (s MigrationStatus) String() string {
	if s.Dirty {
		return fmt.Sprintf("database is dirty at version %d", s.Current)
	}
	return fmt.Sprintf("database at version %d, source at version %d", s.Current, s.Latest)
}

type MigrationChecker interface {
	Status(ctx context.Context, env *config.Environment) (MigrationStatus, error)
}

// MigrateChecker compares a database with its migration source using golang-migrate.
// Nothing is applied.
type MigrateChecker struct{}

var _ MigrationChecker = &MigrateChecker{}

func (c *MigrateChecker) Status(ctx context.Context, env *config.Environment) (MigrationStatus, error) {
	status := MigrationStatus{}

	if err := ctx.Err(); err != nil {
		return status, err
	}

	latest, err := latestSourceVersion(env.MigrationsSource)
	if err != nil {
		return status, fmt.Errorf("read migration source: %w", err)
	}
	status.Latest = latest

	m, err := migrate.New(env.MigrationsSource, env.DatabaseURL)
	if err != nil {
		return status, fmt.Errorf("connect to %s database: %w", env.Name, err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return status, fmt.Errorf("read %s schema version: %w", env.Name, err)
	default:
		status.Current = version
		status.Dirty = dirty
	}

	return status, nil
}

func latestSourceVersion(url string) (uint, error) {
	driver, err := source.Open(url)
	if err != nil {
		return 0, err
	}
	defer driver.Close()

	version, err := driver.First()
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	for {
		next, err := driver.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return version, nil
		} else if err != nil {
			return 0, err
		}
		version = next
	}
}
