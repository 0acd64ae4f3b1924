package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/nais/promote/pkg/environment"
	"github.com/nais/promote/pkg/release"
)

const environmentColumns = `name, tier, active, weights, health, deployment, version, updated`

func scanEnvironment(rows pgx.Rows) (*release.Environment, error) {
	env := &release.Environment{}
	var weights []byte

	err := rows.Scan(
		&env.Name,
		&env.Tier,
		&env.Active,
		&weights,
		&env.Health,
		&env.Deployment,
		&env.Version,
		&env.Updated,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(weights, &env.Weights); err != nil {
		return nil, fmt.Errorf("decode weights of %s: %w", env.Name, err)
	}
	if len(env.Weights) == 0 {
		env.Weights = nil
	}

	return env, nil
}

func encodeWeights(w release.Weights) (string, error) {
	if w == nil {
		return "{}", nil
	}
	data, err := json.Marshal(w)
	return string(data), err
}

func (db *Database) Environment(ctx context.Context, name string) (*release.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environment WHERE name = $1;`
	rows, err := db.timedQuery(ctx, query, name)
	if err != nil {
		return nil, err
	}

	defer rows.Close()
	for rows.Next() {
		return scanEnvironment(rows)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, environment.ErrNotFound
}

func (db *Database) Environments(ctx context.Context) ([]*release.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environment ORDER BY tier;`
	rows, err := db.timedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	envs := make([]*release.Environment, 0)
	defer rows.Close()
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	return envs, rows.Err()
}

func (db *Database) CreateEnvironment(ctx context.Context, env release.Environment) error {
	weights, err := encodeWeights(env.Weights)
	if err != nil {
		return err
	}
	if env.Health == "" {
		env.Health = release.HealthUnknown
	}

	query := `
INSERT INTO environment (` + environmentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (name) DO NOTHING;
`
	_, err = db.timedExec(ctx, query,
		env.Name,
		env.Tier,
		env.Active,
		weights,
		env.Health,
		env.Deployment,
		env.Version,
	)
	return err
}

func (db *Database) CompareAndSwap(ctx context.Context, env *release.Environment) error {
	weights, err := encodeWeights(env.Weights)
	if err != nil {
		return err
	}

	query := `
UPDATE environment
SET tier = $3, active = $4, weights = $5, health = $6, deployment = $7, updated = $8, version = version + 1
WHERE name = $1 AND version = $2;
`
	tag, err := db.timedExec(ctx, query,
		env.Name,
		env.Version,
		env.Tier,
		env.Active,
		weights,
		env.Health,
		env.Deployment,
		env.Updated,
	)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		if _, err := db.Environment(ctx, env.Name); err != nil {
			return err
		}
		return environment.ErrVersionConflict
	}

	env.Version++
	return nil
}
