package release_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nais/promote/pkg/release"
	"github.com/stretchr/testify/assert"
)

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, release.Weights{}.Validate())
	assert.NoError(t, release.Weights{"v1": 100}.Validate())
	assert.NoError(t, release.Weights{"v1": 75, "v2": 25}.Validate())
	assert.NoError(t, release.Weights{"v1": 100, "v2": 0}.Validate())

	assert.Error(t, release.Weights{"v1": 90}.Validate())
	assert.Error(t, release.Weights{"v1": 50, "v2": 25, "v3": 25}.Validate())
	assert.Error(t, release.Weights{"v1": 110, "v2": -10}.Validate())
}

func TestSplit(t *testing.T) {
	assert.Equal(t, release.Weights{"v2": 25, "v1": 75}, release.Split("v1", "v2", 25))
	assert.Equal(t, release.Weights{"v2": 100}, release.Split("v1", "v2", 100))
	assert.Equal(t, release.Weights{"v2": 100}, release.Split("", "v2", 10))
	assert.Equal(t, release.Weights{"v2": 100}, release.Split("v2", "v2", 10))
}

func TestStateOrdering(t *testing.T) {
	assert.True(t, release.StateFinalized.AtOrPast(release.StateGateApproved))
	assert.True(t, release.StateStaged.AtOrPast(release.StateStaged))
	assert.False(t, release.StateVerified.AtOrPast(release.StateStaged))
	assert.False(t, release.StateRolledBack.AtOrPast(release.StateBuilt))
	assert.True(t, release.StateRolledBack.Terminal())
	assert.False(t, release.StateProductionShifting.Terminal())
}

func TestErrorExitCode(t *testing.T) {
	assert.Equal(t, release.ExitSuccess, release.ErrorExitCode(nil))
	assert.Equal(t, release.ExitOperationalFailure, release.ErrorExitCode(release.Errorf(release.ThresholdBreached, "error rate 0.5")))
	assert.Equal(t, release.ExitOperationalFailure, release.ErrorExitCode(errors.New("something else")))
	assert.Equal(t, release.ExitInvocationFailure, release.ErrorExitCode(release.Errorf(release.InvalidInvocation, "no such environment")))
	assert.Equal(t, release.ExitInvocationFailure, release.ErrorExitCode(release.Errorf(release.ConfigurationError, "missing health-url")))

	wrapped := fmt.Errorf("promote: %w", release.Errorf(release.ConfigurationError, "missing health-url"))
	assert.Equal(t, release.ExitInvocationFailure, release.ErrorExitCode(wrapped))
}

func TestFatal(t *testing.T) {
	assert.True(t, release.Fatal(release.Errorf(release.NoRollbackTarget, "nothing to revert to")))
	assert.True(t, release.Fatal(release.Errorf(release.RollbackFailed, "write failed")))
	assert.False(t, release.Fatal(release.Errorf(release.ThresholdBreached, "too slow")))
	assert.True(t, release.Fatal(errors.Join(
		release.Errorf(release.HealthCheckTimeout, "still down"),
		fmt.Errorf("abort: %w", release.Errorf(release.NoRollbackTarget, "first deployment")),
	)))
	assert.False(t, release.Fatal(nil))
}

func TestGateDecisionFailed(t *testing.T) {
	decision := release.GateDecision{
		Verdict: release.VerdictRejected,
		Criteria: []release.Criterion{
			{Name: "security-scan", Passed: true},
			{Name: "schema-migrations", Passed: false},
		},
	}
	assert.False(t, decision.Passed())
	assert.Equal(t, "schema-migrations", decision.Failed().Name)
}
