package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nais/promote/pkg/artifact"
	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/engine"
	"github.com/nais/promote/pkg/environment"
	"github.com/nais/promote/pkg/gate"
	"github.com/nais/promote/pkg/health"
	"github.com/nais/promote/pkg/recorder"
	"github.com/nais/promote/pkg/release"
	"github.com/nais/promote/pkg/rollback"
	"github.com/nais/promote/pkg/traffic"
)

var order = []string{"dev", "test", "staging", "production"}

func policies() config.Environments {
	envs := make(config.Environments, 0, len(order))
	for i, name := range order {
		env := config.Environment{
			Name:      name,
			Tier:      i,
			HealthURL: "http://" + name + ".local/health",
			Strategy:  release.StrategyRolling,
			Thresholds: config.Thresholds{
				MaxErrorRate: 0.05,
				MaxLatency:   config.Duration(time.Second),
			},
			Health: config.HealthPolicy{
				Interval:    config.Duration(time.Millisecond),
				MaxInterval: config.Duration(5 * time.Millisecond),
				Timeout:     config.Duration(100 * time.Millisecond),
			},
			Traffic: config.TrafficPolicy{
				Steps:          []int{10, 25, 50, 100},
				Window:         config.Duration(4 * time.Millisecond),
				FinalWindow:    config.Duration(8 * time.Millisecond),
				SampleInterval: config.Duration(time.Millisecond),
			},
			Retention: config.Duration(time.Hour),
		}
		if name == "production" {
			env.Production = true
			env.Strategy = release.StrategyBlueGreen
			env.DatabaseURL = "postgres://production"
			env.MigrationsSource = "file://migrations"
		}
		envs = append(envs, env)
	}
	return envs
}

// weightStore remembers every committed weight map per environment.
type weightStore struct {
	environment.Store
	lock    sync.Mutex
	history map[string][]release.Weights
}

func (s *weightStore) CompareAndSwap(ctx context.Context, env *release.Environment) error {
	err := s.Store.CompareAndSwap(ctx, env)
	if err == nil {
		s.lock.Lock()
		s.history[env.Name] = append(s.history[env.Name], env.Weights.Copy())
		s.lock.Unlock()
	}
	return err
}

func (s *weightStore) weights(env string) []release.Weights {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]release.Weights(nil), s.history[env]...)
}

// prober answers from the current weights of the environment.
type prober struct {
	store environment.Store
	lock  sync.Mutex
	fail  func(env string, weights release.Weights) bool
	// Closed to let probes of the blocked environment through.
	blocked string
	release chan struct{}
}

func (p *prober) Probe(ctx context.Context, target health.Target) health.Sample {
	p.lock.Lock()
	blocked, wait, fail := p.blocked, p.release, p.fail
	p.lock.Unlock()

	if target.Environment == blocked {
		select {
		case <-wait:
		case <-ctx.Done():
			return health.Sample{Err: ctx.Err()}
		}
	}

	env, err := p.store.Environment(ctx, target.Environment)
	if err != nil {
		return health.Sample{Err: err}
	}
	if fail != nil && fail(target.Environment, env.Weights) {
		return health.Sample{Status: release.HealthDown, Err: errors.New("status down")}
	}
	return health.Sample{Status: release.HealthOK, Version: env.Active}
}

func (p *prober) block(env string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.blocked = env
	p.release = make(chan struct{})
}

func (p *prober) unblock() {
	p.lock.Lock()
	defer p.lock.Unlock()
	close(p.release)
	p.blocked = ""
}

type verifier struct{}

// blockingVerifier holds Verify until released.
type blockingVerifier struct {
	started chan struct{}
	release chan struct{}
}

func (v *blockingVerifier) Verify(ctx context.Context, _ *release.Artifact) error {
	close(v.started)
	select {
	case <-v.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (verifier) Verify(context.Context, *release.Artifact) error {
	return nil
}

// notifier records every state a deployment passes through.
type notifier struct {
	lock   sync.Mutex
	states map[string][]release.State
}

func (n *notifier) Notify(_ context.Context, d *release.Deployment) error {
	n.lock.Lock()
	n.states[d.ID] = append(n.states[d.ID], d.State)
	n.lock.Unlock()
	return nil
}

func (n *notifier) of(id string) []release.State {
	n.lock.Lock()
	defer n.lock.Unlock()
	return append([]release.State(nil), n.states[id]...)
}

type fixture struct {
	engine     *engine.Engine
	store      *weightStore
	prober     *prober
	notifier   *notifier
	migrations *gate.MockMigrationChecker
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	store := &weightStore{Store: environment.NewMemoryStore(), history: make(map[string][]release.Weights)}
	decisions := gate.NewMemoryStore()
	records := recorder.NewMemory()
	p := &prober{store: store}
	n := &notifier{states: make(map[string][]release.State)}
	migrations := gate.NewMockMigrationChecker(t)

	e := &engine.Engine{
		Policies:     policies(),
		Environments: store,
		Artifacts:    artifact.NewMemoryStore(),
		Verifier:     verifier{},
		Deployments:  engine.NewMemoryStore(),
		Gate:         &gate.Evaluator{Decisions: decisions, Migrations: migrations},
		Prober:       p,
		Traffic:      &traffic.Controller{Environments: store, Prober: p},
		Restorer:     &rollback.Manager{Environments: store, Recorder: records, Decisions: decisions},
		Recorder:     records,
		Notifier:     n,
	}
	require.NoError(t, e.Setup(ctx))

	return &fixture{engine: e, store: store, prober: p, notifier: n, migrations: migrations}
}

func (f *fixture) noPendingMigrations() {
	f.migrations.On("Status", mock.Anything, mock.Anything).Return(gate.MigrationStatus{Current: 7, Latest: 7}, nil).Maybe()
}

func (f *fixture) build(t *testing.T, id string) {
	err := f.engine.Artifacts.CreateArtifact(context.Background(), release.Artifact{
		ID:        id,
		Name:      "myapp",
		Reference: "registry.local/myapp:" + id,
		Built:     time.Now(),
		Checksum:  "sha256:" + id,
		Scan:      release.Scan{Verdict: release.ScanClean},
	})
	require.NoError(t, err)
}

func (f *fixture) promoteThrough(t *testing.T, id string, envs ...string) {
	for _, env := range envs {
		d, err := f.engine.Promote(context.Background(), id, env, engine.Options{})
		require.NoError(t, err, "promote %s to %s", id, env)
		require.Equal(t, release.StateFinalized, d.State)
	}
}

func (f *fixture) environment(t *testing.T, name string) *release.Environment {
	env, err := f.store.Environment(context.Background(), name)
	require.NoError(t, err)
	return env
}

func TestPromoteThroughAllEnvironments(t *testing.T) {
	f := newFixture(t)
	f.noPendingMigrations()
	f.build(t, "v1.2.2")
	f.build(t, "v1.2.3")

	f.promoteThrough(t, "v1.2.2", order...)
	f.promoteThrough(t, "v1.2.3", order...)

	production := f.environment(t, "production")
	assert.Equal(t, release.Weights{"v1.2.3": 100}, production.Weights)
	assert.Equal(t, "v1.2.3", production.Active)
	assert.False(t, production.Locked())

	var ladder []int
	for _, w := range f.store.weights("production") {
		if len(w) > 0 {
			assert.Equal(t, 100, w.Sum(), "weights %s", w)
		}
		if n, ok := w["v1.2.3"]; ok && w["v1.2.2"] > 0 {
			ladder = append(ladder, n)
		}
	}
	assert.Equal(t, []int{10, 25, 50}, ladder)

	records, err := recorder.Collect(f.engine.Recorder.Query(context.Background(), recorder.Filter{ArtifactID: "v1.2.3", Outcomes: []release.Outcome{release.OutcomeFinalized}}))
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestThresholdBreachRollsBack(t *testing.T) {
	f := newFixture(t)
	f.noPendingMigrations()
	f.build(t, "v1.2.3")
	f.build(t, "v1.2.4")
	f.promoteThrough(t, "v1.2.3", order...)
	f.promoteThrough(t, "v1.2.4", "dev", "test", "staging")

	f.prober.fail = func(env string, w release.Weights) bool {
		return env == "production" && w["v1.2.4"] == 25
	}

	d, err := f.engine.Promote(context.Background(), "v1.2.4", "production", engine.Options{})
	assert.True(t, release.IsKind(err, release.ThresholdBreached))
	require.NotNil(t, d)
	assert.Equal(t, release.StateRolledBack, d.State)

	production := f.environment(t, "production")
	assert.Equal(t, "v1.2.3", production.Active)
	assert.Equal(t, 100, production.Weights["v1.2.3"])
	assert.Equal(t, 0, production.Weights["v1.2.4"])
	assert.False(t, production.Locked())

	for _, w := range f.store.weights("production") {
		if len(w) > 0 {
			assert.Equal(t, 100, w.Sum())
		}
		assert.NotEqual(t, 50, w["v1.2.4"])
	}

	latest, err := recorder.Latest(context.Background(), f.engine.Recorder, recorder.Filter{Environment: "production"})
	require.NoError(t, err)
	assert.Equal(t, release.OutcomeRolledBack, latest.Outcome)
	assert.Equal(t, "v1.2.4", latest.FromArtifact)
}

func TestPendingMigrationBlocksProduction(t *testing.T) {
	f := newFixture(t)
	f.build(t, "v2.0.0")
	f.promoteThrough(t, "v2.0.0", "dev", "test", "staging")
	f.migrations.On("Status", mock.Anything, mock.Anything).Return(gate.MigrationStatus{Current: 6, Latest: 7}, nil).Once()

	d, err := f.engine.Promote(context.Background(), "v2.0.0", "production", engine.Options{})
	assert.True(t, release.IsKind(err, release.MigrationPending))
	require.NotNil(t, d)
	assert.Equal(t, release.StateStaged, d.State)
	assert.True(t, d.Blocked())
	assert.NotContains(t, f.notifier.of(d.ID), release.StateProductionShifting)

	production := f.environment(t, "production")
	assert.False(t, production.Locked())
	assert.Empty(t, production.Weights)

	// Never retried automatically: the gate is not evaluated again.
	again, err := f.engine.Promote(context.Background(), "v2.0.0", "production", engine.Options{})
	assert.True(t, release.IsKind(err, release.MigrationPending))
	assert.Equal(t, d.ID, again.ID)

	f.migrations.On("Status", mock.Anything, mock.Anything).Return(gate.MigrationStatus{Current: 6, Latest: 7}, nil).Once()
	overridden, err := f.engine.Promote(context.Background(), "v2.0.0", "production", engine.Options{Override: true, Reason: "migration is additive"})
	require.NoError(t, err)
	assert.NotEqual(t, d.ID, overridden.ID)
	assert.Equal(t, release.StateFinalized, overridden.State)

	latest, err := recorder.Latest(context.Background(), f.engine.Recorder, recorder.Filter{Environment: "production"})
	require.NoError(t, err)
	assert.True(t, latest.Override)
	assert.Equal(t, "migration is additive", latest.Reason)
}

func TestConcurrentPromotionIsLocked(t *testing.T) {
	f := newFixture(t)
	f.build(t, "v1")
	f.build(t, "v2")
	f.engine.Policies[0].Health.Timeout = config.Duration(10 * time.Second)
	f.prober.block("dev")

	first := make(chan error, 1)
	go func() {
		_, err := f.engine.Promote(context.Background(), "v1", "dev", engine.Options{})
		first <- err
	}()

	require.Eventually(t, func() bool {
		return f.environment(t, "dev").Locked()
	}, time.Second, time.Millisecond)

	_, err := f.engine.Promote(context.Background(), "v2", "dev", engine.Options{})
	assert.True(t, release.IsKind(err, release.EnvironmentLocked))

	_, err = f.engine.Promote(context.Background(), "v1", "dev", engine.Options{})
	assert.True(t, release.IsKind(err, release.EnvironmentLocked))

	f.prober.unblock()
	assert.NoError(t, <-first)
	assert.Equal(t, "v1", f.environment(t, "dev").Active)
}

func TestPromoteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.build(t, "v1")

	first, err := f.engine.Promote(context.Background(), "v1", "dev", engine.Options{})
	require.NoError(t, err)
	before := f.environment(t, "dev")

	second, err := f.engine.Promote(context.Background(), "v1", "dev", engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	after := f.environment(t, "dev")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Weights, after.Weights)
}

func TestPromoteRequiresPriorStage(t *testing.T) {
	f := newFixture(t)
	f.build(t, "v1")

	d, err := f.engine.Promote(context.Background(), "v1", "staging", engine.Options{})
	assert.True(t, release.IsKind(err, release.PreconditionNotMet))
	assert.Equal(t, release.StateStaged, d.State)
	assert.Empty(t, f.environment(t, "staging").Weights)

	// Overrides never skip a tier.
	_, err = f.engine.Promote(context.Background(), "v1", "staging", engine.Options{Override: true, Reason: "urgent"})
	assert.True(t, release.IsKind(err, release.PreconditionNotMet))
}

func TestInvalidInvocation(t *testing.T) {
	f := newFixture(t)
	f.build(t, "v1")

	_, err := f.engine.Promote(context.Background(), "v1", "qa", engine.Options{})
	assert.Equal(t, release.ExitInvocationFailure, release.ErrorExitCode(err))

	_, err = f.engine.Promote(context.Background(), "v9", "dev", engine.Options{})
	assert.Equal(t, release.ExitInvocationFailure, release.ErrorExitCode(err))

	_, err = f.engine.Promote(context.Background(), "v1", "dev", engine.Options{Strategy: "canary"})
	assert.Equal(t, release.ExitInvocationFailure, release.ErrorExitCode(err))
}

func TestAbortRunningDeployment(t *testing.T) {
	f := newFixture(t)
	f.noPendingMigrations()
	f.build(t, "v1")
	f.build(t, "v2")
	f.promoteThrough(t, "v1", order...)
	f.promoteThrough(t, "v2", "dev", "test", "staging")
	f.prober.block("production")

	type result struct {
		d   *release.Deployment
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := f.engine.Promote(context.Background(), "v2", "production", engine.Options{})
		done <- result{d, err}
	}()

	var id string
	require.Eventually(t, func() bool {
		env := f.environment(t, "production")
		id = env.Deployment
		return env.Weights["v2"] == 10
	}, time.Second, time.Millisecond)

	aborted, err := f.engine.Abort(context.Background(), id, "operator abort")
	require.NoError(t, err)
	assert.Equal(t, release.StateRolledBack, aborted.State)
	assert.Equal(t, "operator abort", aborted.Reason)

	r := <-done
	assert.ErrorIs(t, r.err, engine.ErrAborted)
	assert.Equal(t, release.Weights{"v1": 100}, f.environment(t, "production").Weights)

	f.prober.unblock()
}

func TestAbortFromAnotherProcessStopsTheRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.build(t, "v1")
	v := &blockingVerifier{started: make(chan struct{}), release: make(chan struct{})}
	f.engine.Verifier = v

	// Same stores, separate run registry, like the serve command next to a CLI promote.
	server := &engine.Engine{
		Policies:     f.engine.Policies,
		Environments: f.engine.Environments,
		Artifacts:    f.engine.Artifacts,
		Verifier:     verifier{},
		Deployments:  f.engine.Deployments,
		Gate:         f.engine.Gate,
		Prober:       f.engine.Prober,
		Traffic:      f.engine.Traffic,
		Restorer:     f.engine.Restorer,
		Recorder:     f.engine.Recorder,
		Notifier:     f.engine.Notifier,
	}

	type result struct {
		d   *release.Deployment
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := f.engine.Promote(ctx, "v1", "dev", engine.Options{})
		done <- result{d, err}
	}()

	<-v.started
	id := f.environment(t, "dev").Deployment
	require.NotEmpty(t, id)

	aborted, err := server.Abort(ctx, id, "stopped by operator")
	require.NoError(t, err)
	assert.Equal(t, release.StateRolledBack, aborted.State)

	close(v.release)
	r := <-done
	assert.ErrorIs(t, r.err, engine.ErrAborted)
	require.NotNil(t, r.d)
	assert.Equal(t, release.StateRolledBack, r.d.State)

	stored, err := f.engine.Deployments.Deployment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, release.StateRolledBack, stored.State)
	assert.Equal(t, "stopped by operator", stored.Reason)
	assert.Equal(t, []release.State{release.StateRolledBack}, f.notifier.of(id))

	_, err = f.engine.Gate.Decisions.DeploymentDecision(ctx, id)
	assert.True(t, gate.IsErrNotFound(err))

	dev := f.environment(t, "dev")
	assert.False(t, dev.Locked())
	assert.Empty(t, dev.Weights)
}

func TestEndedDeploymentIsNotWritten(t *testing.T) {
	ctx := context.Background()
	store := engine.NewMemoryStore()
	d := release.Deployment{
		ID:          "d1",
		ArtifactID:  "v1",
		Environment: "dev",
		Strategy:    release.StrategyRolling,
		State:       release.StateBuilt,
		Started:     time.Now(),
	}
	require.NoError(t, store.CreateDeployment(ctx, d))

	d.State = release.StateRolledBack
	d.Finished = time.Now()
	require.NoError(t, store.UpdateDeployment(ctx, d))

	d.State = release.StateVerified
	assert.ErrorIs(t, store.UpdateDeployment(ctx, d), engine.ErrEnded)

	stored, err := store.Deployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, release.StateRolledBack, stored.State)
}

func TestAbortAfterFinalizeIsNoop(t *testing.T) {
	f := newFixture(t)
	f.build(t, "v1")

	d, err := f.engine.Promote(context.Background(), "v1", "dev", engine.Options{})
	require.NoError(t, err)
	before := f.environment(t, "dev")

	aborted, err := f.engine.Abort(context.Background(), d.ID, "too late")
	require.NoError(t, err)
	assert.Equal(t, release.StateFinalized, aborted.State)
	assert.Equal(t, before.Version, f.environment(t, "dev").Version)
}

func TestHoldAndFinalize(t *testing.T) {
	f := newFixture(t)
	f.build(t, "v1")

	d, err := f.engine.Promote(context.Background(), "v1", "dev", engine.Options{Hold: true})
	require.NoError(t, err)
	assert.Equal(t, release.StateGateApproved, d.State)
	assert.True(t, d.Held)
	held := f.environment(t, "dev")
	assert.True(t, held.Locked())

	again, err := f.engine.Promote(context.Background(), "v1", "dev", engine.Options{Hold: true})
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, held.Version, f.environment(t, "dev").Version)

	finalized, err := f.engine.Finalize(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, release.StateFinalized, finalized.State)
	assert.False(t, f.environment(t, "dev").Locked())

	again, err = f.engine.Finalize(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, finalized.Finished, again.Finished)
}

func TestRollbackSteadyEnvironment(t *testing.T) {
	f := newFixture(t)
	f.build(t, "v1")
	f.build(t, "v2")
	f.promoteThrough(t, "v1", "dev")
	f.promoteThrough(t, "v2", "dev")

	env, err := f.engine.Rollback(context.Background(), "dev", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", env.Active)
	assert.Equal(t, release.Weights{"v1": 100}, env.Weights)

	status, err := f.engine.Status(context.Background(), "dev")
	require.NoError(t, err)
	assert.Nil(t, status.Deployment)
	require.NotEmpty(t, status.Records)
	assert.Equal(t, release.OutcomeRolledBack, status.Records[0].Outcome)
}

func TestFirstDeploymentCannotRollBack(t *testing.T) {
	f := newFixture(t)
	f.build(t, "v1")
	f.prober.fail = func(string, release.Weights) bool { return true }

	d, err := f.engine.Promote(context.Background(), "v1", "dev", engine.Options{})
	assert.True(t, release.IsKind(err, release.HealthCheckTimeout))
	assert.True(t, containsKind(err, release.NoRollbackTarget))
	assert.True(t, release.Fatal(err))
	assert.Equal(t, release.ExitOperationalFailure, release.ErrorExitCode(err))
	assert.Contains(t, d.Reason, "rollback failed")

	// Left for an operator.
	assert.True(t, f.environment(t, "dev").Locked())
}

func containsKind(err error, kind release.Kind) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return false
	}
	for _, e := range joined.Unwrap() {
		if release.IsKind(e, kind) {
			return true
		}
	}
	return false
}

func TestDeployPicksNewestEligibleArtifact(t *testing.T) {
	f := newFixture(t)
	f.build(t, "v1")
	f.promoteThrough(t, "v1", "dev")
	time.Sleep(time.Millisecond)
	f.build(t, "v2")

	d, err := f.engine.Deploy(context.Background(), "test", engine.Options{})
	require.NoError(t, err)
	assert.Equal(t, "v1", d.ArtifactID)

	d, err = f.engine.Deploy(context.Background(), "dev", engine.Options{Strategy: release.StrategyBlueGreen})
	require.NoError(t, err)
	assert.Equal(t, "v2", d.ArtifactID)
	assert.Equal(t, release.StrategyBlueGreen, d.Strategy)

	_, err = f.engine.Deploy(context.Background(), "production", engine.Options{})
	assert.True(t, release.IsKind(err, release.PreconditionNotMet))
}
