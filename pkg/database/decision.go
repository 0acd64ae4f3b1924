package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/nais/promote/pkg/gate"
	"github.com/nais/promote/pkg/release"
)

const decisionColumns = `id, deployment_id, artifact_id, environment, criteria, verdict, override, created`

func scanDecision(rows pgx.Rows) (*release.GateDecision, error) {
	g := &release.GateDecision{}
	var criteria []byte

	err := rows.Scan(
		&g.ID,
		&g.DeploymentID,
		&g.ArtifactID,
		&g.Environment,
		&criteria,
		&g.Verdict,
		&g.Override,
		&g.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(criteria, &g.Criteria); err != nil {
		return nil, fmt.Errorf("decode criteria of decision %s: %w", g.ID, err)
	}
	return g, nil
}

func (db *Database) StoreDecision(ctx context.Context, g release.GateDecision) error {
	criteria, err := json.Marshal(g.Criteria)
	if err != nil {
		return err
	}

	query := `
INSERT INTO gate_decision (` + decisionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err = db.timedExec(ctx, query,
		g.ID,
		g.DeploymentID,
		g.ArtifactID,
		g.Environment,
		string(criteria),
		g.Verdict,
		g.Override,
		g.Timestamp,
	)
	return err
}

func (db *Database) queryDecisions(ctx context.Context, query string, args ...any) ([]*release.GateDecision, error) {
	rows, err := db.timedQuery(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	decisions := make([]*release.GateDecision, 0)
	defer rows.Close()
	for rows.Next() {
		g, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, g)
	}

	return decisions, rows.Err()
}

func (db *Database) Decisions(ctx context.Context, artifactID, environment string) ([]*release.GateDecision, error) {
	query := `
SELECT ` + decisionColumns + `
FROM gate_decision
WHERE artifact_id = $1 AND environment = $2
ORDER BY created DESC, seq DESC;
`
	return db.queryDecisions(ctx, query, artifactID, environment)
}

func (db *Database) DeploymentDecision(ctx context.Context, deploymentID string) (*release.GateDecision, error) {
	query := `
SELECT ` + decisionColumns + `
FROM gate_decision
WHERE deployment_id = $1
ORDER BY created DESC, seq DESC
LIMIT 1;
`
	decisions, err := db.queryDecisions(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	if len(decisions) == 0 {
		return nil, gate.ErrNotFound
	}
	return decisions[0], nil
}
