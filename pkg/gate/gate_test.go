package gate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/gate"
	"github.com/nais/promote/pkg/release"
)

var (
	staging    = &config.Environment{Name: "staging", Tier: 2}
	production = &config.Environment{Name: "production", Tier: 3, Production: true, DatabaseURL: "postgres://prod", MigrationsSource: "file://migrations"}
	clean      = &release.Artifact{ID: "v1.2.3", Scan: release.Scan{Verdict: release.ScanClean}}
	fixedTime  = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newEvaluator(t *testing.T) (*gate.Evaluator, *gate.MockMigrationChecker) {
	migrations := gate.NewMockMigrationChecker(t)
	return &gate.Evaluator{
		Decisions:  gate.NewMemoryStore(),
		Migrations: migrations,
		Now:        func() time.Time { return fixedTime },
	}, migrations
}

func verifyIn(t *testing.T, e *gate.Evaluator, artifactID, env string) {
	_, err := e.Verify(context.Background(), &release.Deployment{ID: "d-" + env, ArtifactID: artifactID, Environment: env})
	require.NoError(t, err)
}

func TestApproved(t *testing.T) {
	e, migrations := newEvaluator(t)
	migrations.On("Status", mock.Anything, production).Return(gate.MigrationStatus{Current: 4, Latest: 4}, nil)
	verifyIn(t, e, clean.ID, staging.Name)

	decision, err := e.Evaluate(context.Background(), gate.Input{
		DeploymentID: "d1",
		Artifact:     clean,
		Environment:  production,
		Previous:     staging,
	})
	require.NoError(t, err)
	assert.Equal(t, release.VerdictApproved, decision.Verdict)
	assert.False(t, decision.Override)
	require.Len(t, decision.Criteria, 3)
	for _, c := range decision.Criteria {
		assert.True(t, c.Passed, c.Name)
	}

	stored, err := e.Decisions.DeploymentDecision(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, decision.ID, stored.ID)
}

func TestPendingMigrationBlocksProduction(t *testing.T) {
	e, migrations := newEvaluator(t)
	migrations.On("Status", mock.Anything, production).Return(gate.MigrationStatus{Current: 3, Latest: 4}, nil)
	verifyIn(t, e, clean.ID, staging.Name)

	decision, err := e.Evaluate(context.Background(), gate.Input{Artifact: clean, Environment: production, Previous: staging})
	assert.True(t, release.IsKind(err, release.MigrationPending))
	require.NotNil(t, decision)
	assert.Equal(t, release.VerdictRejected, decision.Verdict)
	assert.Equal(t, gate.CriterionSchemaMigrations, decision.Failed().Name)
}

func TestDirtyOrUnknownMigrationStateBlocks(t *testing.T) {
	e, migrations := newEvaluator(t)
	migrations.On("Status", mock.Anything, production).Return(gate.MigrationStatus{Current: 4, Latest: 4, Dirty: true}, nil).Once()
	migrations.On("Status", mock.Anything, production).Return(gate.MigrationStatus{}, errors.New("connection refused")).Once()
	verifyIn(t, e, clean.ID, staging.Name)

	in := gate.Input{Artifact: clean, Environment: production, Previous: staging}
	_, err := e.Evaluate(context.Background(), in)
	assert.True(t, release.IsKind(err, release.MigrationPending))
	_, err = e.Evaluate(context.Background(), in)
	assert.True(t, release.IsKind(err, release.MigrationPending))
}

func TestSecurityScan(t *testing.T) {
	for _, verdict := range []release.ScanVerdict{release.ScanVulnerable, release.ScanUnknown} {
		e, _ := newEvaluator(t)
		a := &release.Artifact{ID: "v2", Scan: release.Scan{Verdict: verdict, Findings: 2}}

		decision, err := e.Evaluate(context.Background(), gate.Input{Artifact: a, Environment: staging})
		assert.True(t, release.IsKind(err, release.SecurityGateFailure), string(verdict))
		assert.Equal(t, gate.CriterionSecurityScan, decision.Failed().Name)
	}
}

func TestPriorStageRequired(t *testing.T) {
	e, _ := newEvaluator(t)
	test := &config.Environment{Name: "test", Tier: 1}

	_, err := e.Evaluate(context.Background(), gate.Input{Artifact: clean, Environment: staging, Previous: test})
	assert.True(t, release.IsKind(err, release.PreconditionNotMet))

	// An approval is not a verification.
	_, err = e.Evaluate(context.Background(), gate.Input{Artifact: clean, Environment: test})
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), gate.Input{Artifact: clean, Environment: staging, Previous: test})
	assert.True(t, release.IsKind(err, release.PreconditionNotMet))

	verifyIn(t, e, clean.ID, test.Name)
	_, err = e.Evaluate(context.Background(), gate.Input{Artifact: clean, Environment: staging, Previous: test})
	assert.NoError(t, err)
}

func TestOverride(t *testing.T) {
	e, migrations := newEvaluator(t)
	migrations.On("Status", mock.Anything, production).Return(gate.MigrationStatus{Current: 3, Latest: 4}, nil)
	vulnerable := &release.Artifact{ID: "v3", Scan: release.Scan{Verdict: release.ScanVulnerable, Findings: 1}}
	verifyIn(t, e, vulnerable.ID, staging.Name)

	_, err := e.Evaluate(context.Background(), gate.Input{Artifact: vulnerable, Environment: production, Previous: staging, Override: true})
	assert.True(t, release.IsKind(err, release.InvalidInvocation))

	decision, err := e.Evaluate(context.Background(), gate.Input{
		Artifact:    vulnerable,
		Environment: production,
		Previous:    staging,
		Override:    true,
		Reason:      "hotfix for incident 42",
	})
	require.NoError(t, err)
	assert.Equal(t, release.VerdictApproved, decision.Verdict)
	assert.True(t, decision.Override)
	assert.False(t, decision.Criteria[0].Passed)
}

func TestOverrideCannotSkipPriorStage(t *testing.T) {
	e, migrations := newEvaluator(t)
	migrations.On("Status", mock.Anything, production).Return(gate.MigrationStatus{Current: 4, Latest: 4}, nil)

	decision, err := e.Evaluate(context.Background(), gate.Input{
		Artifact:    clean,
		Environment: production,
		Previous:    staging,
		Override:    true,
		Reason:      "skip staging",
	})
	assert.True(t, release.IsKind(err, release.PreconditionNotMet))
	assert.Equal(t, release.VerdictRejected, decision.Verdict)
}

func TestManualApproval(t *testing.T) {
	env := &config.Environment{Name: "dev", RequireApproval: true, CIAutoApprove: true}

	for _, tc := range []struct {
		name     string
		approved bool
		ci       bool
		pass     bool
	}{
		{"no approval", false, false, false},
		{"flag", true, false, true},
		{"ci policy", false, true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newEvaluator(t)
			decision, err := e.Evaluate(context.Background(), gate.Input{Artifact: clean, Environment: env, Approved: tc.approved, CI: tc.ci})
			require.Len(t, decision.Criteria, 4)
			assert.Equal(t, tc.pass, err == nil, "error: %v", err)
			assert.Equal(t, tc.pass, decision.Criteria[3].Passed)
		})
	}
}

func TestDeterministic(t *testing.T) {
	e, migrations := newEvaluator(t)
	migrations.On("Status", mock.Anything, production).Return(gate.MigrationStatus{Current: 3, Latest: 4}, nil)
	verifyIn(t, e, clean.ID, staging.Name)
	in := gate.Input{Artifact: clean, Environment: production, Previous: staging}

	first, firstErr := e.Evaluate(context.Background(), in)
	for i := 0; i < 5; i++ {
		next, err := e.Evaluate(context.Background(), in)
		assert.Equal(t, first.Criteria, next.Criteria)
		assert.Equal(t, first.Verdict, next.Verdict)
		assert.Equal(t, firstErr.Error(), err.Error())
	}
}

func TestMigrationStatus(t *testing.T) {
	assert.False(t, gate.MigrationStatus{Current: 2, Latest: 2}.Pending())
	assert.True(t, gate.MigrationStatus{Current: 1, Latest: 2}.Pending())
	assert.True(t, gate.MigrationStatus{Current: 2, Latest: 2, Dirty: true}.Pending())
	assert.False(t, gate.MigrationStatus{}.Pending())
}
