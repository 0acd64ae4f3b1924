// Package database persists environments, artifacts, deployments, gate decisions
// and the release history in PostgreSQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/nais/promote/pkg/artifact"
	"github.com/nais/promote/pkg/engine"
	"github.com/nais/promote/pkg/environment"
	"github.com/nais/promote/pkg/gate"
	"github.com/nais/promote/pkg/metrics"
	"github.com/nais/promote/pkg/recorder"
	"github.com/nais/promote/pkg/retry"
)

type Database struct {
	conn *pgxpool.Pool
}

var (
	_ environment.Store      = &Database{}
	_ artifact.Store         = &Database{}
	_ engine.DeploymentStore = &Database{}
	_ gate.DecisionStore     = &Database{}
	_ recorder.Recorder      = &Database{}
)

func New(ctx context.Context, dsn string) (*Database, error) {
	conn, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}

	return &Database{
		conn: conn,
	}, nil
}

// Connect retries the initial connection until timeout, then migrates the schema.
func Connect(ctx context.Context, dsn string, timeout time.Duration) (*Database, error) {
	var db *Database

	policy := retry.Policy{
		Interval:    time.Second,
		MaxInterval: 10 * time.Second,
		Budget:      timeout,
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		db, err = New(ctx, dsn)
		return err
	}, func(err error, next time.Duration) {
		log.Warnf("Unable to connect to database: %s; retrying in %s", err, next)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

func (db *Database) Close() {
	db.conn.Close()
}

func (db *Database) timedQuery(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	now := time.Now()
	rows, err := db.conn.Query(ctx, sql, args...)
	metrics.DatabaseQuery(now, err)
	return rows, err
}

func (db *Database) timedExec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	now := time.Now()
	tag, err := db.conn.Exec(ctx, sql, args...)
	metrics.DatabaseQuery(now, err)
	return tag, err
}

func (db *Database) Migrate(ctx context.Context) error {
	var version int

	query := `SELECT MAX(version) FROM migrations`
	row := db.conn.QueryRow(ctx, query)
	err := row.Scan(&version)

	if err != nil {
		// An empty database has no migrations table yet.
		log.Debugf("unable to get current migration version: %s", err)
	}

	for version < len(migrations) {
		log.Infof("migrating database schema to version %d", version+1)

		_, err = db.conn.Exec(ctx, migrations[version])
		if err != nil {
			return fmt.Errorf("migrating to version %d: %s", version+1, err)
		}

		version++
	}

	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
