package database

import (
	"context"

	"github.com/jackc/pgx/v4"

	"github.com/nais/promote/pkg/artifact"
	"github.com/nais/promote/pkg/release"
)

const artifactColumns = `id, name, reference, revision, built, checksum, scan_verdict, scan_findings, scanner`

func scanArtifact(rows pgx.Rows) (*release.Artifact, error) {
	a := &release.Artifact{}

	err := rows.Scan(
		&a.ID,
		&a.Name,
		&a.Reference,
		&a.Revision,
		&a.Built,
		&a.Checksum,
		&a.Scan.Verdict,
		&a.Scan.Findings,
		&a.Scan.Scanner,
	)

	return a, err
}

func (db *Database) Artifact(ctx context.Context, id string) (*release.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifact WHERE id = $1;`
	rows, err := db.timedQuery(ctx, query, id)
	if err != nil {
		return nil, err
	}

	defer rows.Close()
	for rows.Next() {
		return scanArtifact(rows)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, artifact.ErrNotFound
}

func (db *Database) Artifacts(ctx context.Context) ([]*release.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifact ORDER BY built DESC;`
	rows, err := db.timedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	artifacts := make([]*release.Artifact, 0)
	defer rows.Close()
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}

	return artifacts, rows.Err()
}

func (db *Database) CreateArtifact(ctx context.Context, a release.Artifact) error {
	query := `
INSERT INTO artifact (` + artifactColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING;
`
	tag, err := db.timedExec(ctx, query,
		a.ID,
		a.Name,
		a.Reference,
		a.Revision,
		a.Built,
		a.Checksum,
		a.Scan.Verdict,
		a.Scan.Findings,
		a.Scan.Scanner,
	)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return artifact.ErrExists
	}
	return nil
}
