package database

import (
	"context"
	"iter"

	"github.com/jackc/pgx/v4"

	"github.com/nais/promote/pkg/recorder"
	"github.com/nais/promote/pkg/release"
)

const recordColumns = `id, deployment_id, artifact_id, environment, outcome, from_artifact, reason, override, created`

func scanRecord(rows pgx.Rows) (release.Record, error) {
	r := release.Record{}

	err := rows.Scan(
		&r.ID,
		&r.DeploymentID,
		&r.ArtifactID,
		&r.Environment,
		&r.Outcome,
		&r.FromArtifact,
		&r.Reason,
		&r.Override,
		&r.Timestamp,
	)

	return r, err
}

func (db *Database) Record(ctx context.Context, entry release.Record) (*release.Record, error) {
	recorder.Prepare(&entry)

	query := `
INSERT INTO release_record (` + recordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	_, err := db.timedExec(ctx, query,
		entry.ID,
		entry.DeploymentID,
		entry.ArtifactID,
		entry.Environment,
		entry.Outcome,
		entry.FromArtifact,
		entry.Reason,
		entry.Override,
		entry.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

const (
	recordsAscending = `
SELECT ` + recordColumns + `
FROM release_record
WHERE ($1 = '' OR artifact_id = $1 OR from_artifact = $1)
  AND ($2 = '' OR environment = $2)
  AND (cardinality($3::text[]) = 0 OR outcome = ANY($3::text[]))
ORDER BY created ASC, seq ASC
LIMIT $4;
`
	recordsDescending = `
SELECT ` + recordColumns + `
FROM release_record
WHERE ($1 = '' OR artifact_id = $1 OR from_artifact = $1)
  AND ($2 = '' OR environment = $2)
  AND (cardinality($3::text[]) = 0 OR outcome = ANY($3::text[]))
ORDER BY created DESC, seq DESC
LIMIT $4;
`
)

// Query streams matching records from the database. Rows are fetched while the
// caller iterates and the result set is closed when iteration stops.
func (db *Database) Query(ctx context.Context, filter recorder.Filter) iter.Seq2[release.Record, error] {
	return func(yield func(release.Record, error) bool) {
		query := recordsAscending
		if filter.Order == recorder.Descending {
			query = recordsDescending
		}

		outcomes := make([]string, 0, len(filter.Outcomes))
		for _, o := range filter.Outcomes {
			outcomes = append(outcomes, string(o))
		}

		// LIMIT NULL returns every row.
		var limit any
		if filter.Limit > 0 {
			limit = filter.Limit
		}

		rows, err := db.timedQuery(ctx, query, filter.ArtifactID, filter.Environment, outcomes, limit)
		if err != nil {
			yield(release.Record{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				yield(release.Record{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(release.Record{}, err)
		}
	}
}
