package recorder_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/promote/pkg/recorder"
	"github.com/nais/promote/pkg/release"
)

func seed(t *testing.T) recorder.Recorder {
	ctx := context.Background()
	r := recorder.NewMemory()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	entries := []release.Record{
		{ArtifactID: "v1", Environment: "dev", Outcome: release.OutcomeFinalized, Timestamp: base},
		{ArtifactID: "v1", Environment: "test", Outcome: release.OutcomeFinalized, Timestamp: base.Add(time.Minute)},
		{ArtifactID: "v2", Environment: "dev", Outcome: release.OutcomeFinalized, Timestamp: base.Add(2 * time.Minute)},
		{ArtifactID: "v2", Environment: "test", Outcome: release.OutcomeRolledBack, Timestamp: base.Add(3 * time.Minute)},
		// Appended late with an earlier timestamp.
		{ArtifactID: "v0", Environment: "dev", Outcome: release.OutcomeRejected, Timestamp: base.Add(-time.Minute)},
	}
	for _, e := range entries {
		stored, err := r.Record(ctx, e)
		require.NoError(t, err)
		assert.NotEmpty(t, stored.ID)
	}
	return r
}

func ids(records []release.Record) []string {
	result := make([]string, len(records))
	for i, r := range records {
		result[i] = r.ArtifactID + "@" + r.Environment
	}
	return result
}

func TestQueryOrdering(t *testing.T) {
	r := seed(t)
	ctx := context.Background()

	all, err := recorder.Collect(r.Query(ctx, recorder.Filter{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"v0@dev", "v1@dev", "v1@test", "v2@dev", "v2@test"}, ids(all))

	desc, err := recorder.Collect(r.Query(ctx, recorder.Filter{Order: recorder.Descending, Limit: 2}))
	require.NoError(t, err)
	assert.Equal(t, []string{"v2@test", "v2@dev"}, ids(desc))
}

func TestQueryFilters(t *testing.T) {
	r := seed(t)
	ctx := context.Background()

	dev, err := recorder.Collect(r.Query(ctx, recorder.Filter{Environment: "dev", Outcomes: []release.Outcome{release.OutcomeFinalized}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"v1@dev", "v2@dev"}, ids(dev))

	v2, err := recorder.Collect(r.Query(ctx, recorder.Filter{ArtifactID: "v2"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"v2@dev", "v2@test"}, ids(v2))

	latest, err := recorder.Latest(ctx, r, recorder.Filter{Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, release.OutcomeRolledBack, latest.Outcome)

	none, err := recorder.Latest(ctx, r, recorder.Filter{Environment: "production"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestQueryIsLazy(t *testing.T) {
	r := seed(t)
	ctx := context.Background()

	seen := 0
	for record, err := range r.Query(ctx, recorder.Filter{}) {
		require.NoError(t, err)
		seen++
		if record.ArtifactID == "v1" {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestQueryCancelled(t *testing.T) {
	r := seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := recorder.Collect(r.Query(ctx, recorder.Filter{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	r := recorder.NewMemory()

	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := r.Record(ctx, release.Record{ArtifactID: fmt.Sprintf("v%d", i), Environment: "dev"})
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			for _, err := range r.Query(ctx, recorder.Filter{}) {
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	all, err := recorder.Collect(r.Query(ctx, recorder.Filter{}))
	require.NoError(t, err)
	assert.Len(t, all, 50)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp))
	}
}
