package report_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/promote/pkg/release"
	"github.com/nais/promote/pkg/report"
)

func deployment() *release.Deployment {
	started := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	return &release.Deployment{
		ID:          "6c1d",
		ArtifactID:  "v1.2.4",
		Environment: "production",
		Strategy:    release.StrategyBlueGreen,
		State:       release.StateRolledBack,
		Reason:      "error rate 0.50 over 2 samples exceeds 0.05",
		Started:     started,
		Finished:    started.Add(90 * time.Second),
	}
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	r := report.New(deployment(), errors.New("ThresholdBreached: error rate"), "")

	path, err := report.Write(dir, r)
	require.NoError(t, err)
	assert.Equal(t, "deployment-production-6c1d.json", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	fields := make(map[string]any)
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"timestamp", "deploymentId", "artifactId", "environment", "strategy", "finalState", "durationSeconds"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, "rolled-back", fields["finalState"])
	assert.Equal(t, 90.0, fields["durationSeconds"])
}

func TestSummary(t *testing.T) {
	buf := &strings.Builder{}
	require.NoError(t, report.Summary(buf, report.New(deployment(), nil, "abc123")))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "## ⏪ promote v1.2.4 to production"))
	assert.Contains(t, out, "* Final state: *rolled-back*")
	assert.Contains(t, out, "* Trace: abc123")
	assert.Contains(t, out, "* Reason: error rate")
	assert.NotContains(t, out, "> ")
}

func TestAppendSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.md")
	require.NoError(t, os.WriteFile(path, []byte("# CI\n"), 0o644))

	require.NoError(t, report.AppendSummary(path, report.New(deployment(), nil, "")))
	require.NoError(t, report.AppendSummary("", report.New(deployment(), nil, "")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# CI\n## "))
}
