package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/nais/promote/pkg/engine"
	"github.com/nais/promote/pkg/release"
)

const deploymentColumns = `id, artifact_id, environment, strategy, state, previous, reason, override, held, started, finished`

func scanDeployment(rows pgx.Rows) (*release.Deployment, error) {
	d := &release.Deployment{}
	var finished *time.Time

	err := rows.Scan(
		&d.ID,
		&d.ArtifactID,
		&d.Environment,
		&d.Strategy,
		&d.State,
		&d.Previous,
		&d.Reason,
		&d.Override,
		&d.Held,
		&d.Started,
		&finished,
	)
	d.Finished = fromNullTime(finished)

	return d, err
}

func (db *Database) Deployment(ctx context.Context, id string) (*release.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployment WHERE id = $1;`
	rows, err := db.timedQuery(ctx, query, id)
	if err != nil {
		return nil, err
	}

	defer rows.Close()
	for rows.Next() {
		return scanDeployment(rows)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, engine.ErrNotFound
}

func (db *Database) Deployments(ctx context.Context, artifactID, environment string) ([]*release.Deployment, error) {
	query := `
SELECT ` + deploymentColumns + `
FROM deployment
WHERE artifact_id = $1 AND environment = $2
ORDER BY started DESC;
`
	rows, err := db.timedQuery(ctx, query, artifactID, environment)
	if err != nil {
		return nil, err
	}

	deployments := make([]*release.Deployment, 0)
	defer rows.Close()
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}

	return deployments, rows.Err()
}

func (db *Database) CreateDeployment(ctx context.Context, d release.Deployment) error {
	query := `
INSERT INTO deployment (` + deploymentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`
	_, err := db.timedExec(ctx, query,
		d.ID,
		d.ArtifactID,
		d.Environment,
		d.Strategy,
		d.State,
		d.Previous,
		d.Reason,
		d.Override,
		d.Held,
		d.Started,
		nullTime(d.Finished),
	)
	return err
}

func (db *Database) UpdateDeployment(ctx context.Context, d release.Deployment) error {
	query := `
UPDATE deployment
SET state = $2, previous = $3, reason = $4, override = $5, finished = $6, strategy = $7, held = $8
WHERE id = $1 AND finished IS NULL;
`
	tag, err := db.timedExec(ctx, query,
		d.ID,
		d.State,
		d.Previous,
		d.Reason,
		d.Override,
		nullTime(d.Finished),
		d.Strategy,
		d.Held,
	)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		if _, err := db.Deployment(ctx, d.ID); err != nil {
			return err
		}
		return engine.ErrEnded
	}
	return nil
}
