// Package engine runs deployments through the promotion state machine.
//
//	Built -> Verified -> Staged -> GateApproved -> ProductionShifting -> Finalized
//
// Any state before Finalized may end in RolledBack. A deployment holds the
// environment lock from Built until it is finalized, rolled back or rejected
// by the gate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	ocodes "go.opentelemetry.io/otel/codes"

	"github.com/nais/promote/pkg/artifact"
	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/environment"
	"github.com/nais/promote/pkg/gate"
	"github.com/nais/promote/pkg/health"
	"github.com/nais/promote/pkg/metrics"
	"github.com/nais/promote/pkg/recorder"
	"github.com/nais/promote/pkg/release"
	"github.com/nais/promote/pkg/retry"
	"github.com/nais/promote/pkg/rollback"
	"github.com/nais/promote/pkg/telemetry"
	"github.com/nais/promote/pkg/traffic"
)

const statusRecords = 10

var ErrAborted = errors.New("deployment was aborted")

// Verifier confirms that the registry still serves the recorded artifact.
type Verifier interface {
	Verify(ctx context.Context, artifact *release.Artifact) error
}

// Notifier is told about every state change of a deployment.
type Notifier interface {
	Notify(ctx context.Context, deployment *release.Deployment) error
}

type Options struct {
	// Empty means the environment's configured strategy.
	Strategy release.Strategy
	Override bool
	Reason   string
	Approved bool
	CI       bool
	// Leave the deployment at full weight, holding the lock, until Finalize is called.
	Hold bool
}

type Engine struct {
	Policies     config.Environments
	Environments environment.Store
	Artifacts    artifact.Store
	Verifier     Verifier
	Deployments  DeploymentStore
	Gate         *gate.Evaluator
	Prober       health.Prober
	Traffic      *traffic.Controller
	Restorer     *rollback.Manager
	Recorder     recorder.Recorder
	Notifier     Notifier
	Now          func() time.Time

	lock    sync.Mutex
	running map[string]*run
}

// run is a deployment driven by this process.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	reason string
}

type Status struct {
	Environment *release.Environment `json:"environment"`
	Deployment  *release.Deployment  `json:"deployment,omitempty"`
	Records     []release.Record     `json:"records"`
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Setup creates a record for every configured environment that has none.
func (e *Engine) Setup(ctx context.Context) error {
	for _, policy := range e.Policies {
		err := e.Environments.CreateEnvironment(ctx, release.Environment{
			Name:    policy.Name,
			Tier:    policy.Tier,
			Health:  release.HealthUnknown,
			Updated: e.now(),
		})
		if err != nil {
			return fmt.Errorf("create environment %s: %w", policy.Name, err)
		}
	}
	return nil
}

func logger(d *release.Deployment) *log.Entry {
	return log.WithFields(log.Fields{
		"deployment":  d.ID,
		"artifact":    d.ArtifactID,
		"environment": d.Environment,
	})
}

// Promote moves the artifact into the environment and, unless opts.Hold is set, finalizes it.
//
// A pair that is already finalized and still active, or held at full weight,
// returns the existing deployment.
// A pair stopped by the gate returns the same deployment and gate error until an override is given.
func (e *Engine) Promote(ctx context.Context, artifactID, envName string, opts Options) (*release.Deployment, error) {
	policy, err := e.Policies.Lookup(envName)
	if err != nil {
		return nil, err
	}

	art, err := e.Artifacts.Artifact(ctx, artifactID)
	if artifact.IsErrNotFound(err) {
		return nil, release.Errorf(release.InvalidInvocation, "artifact %s does not exist", artifactID)
	} else if err != nil {
		return nil, fmt.Errorf("look up artifact: %w", err)
	}

	strategy := opts.Strategy
	if len(strategy) == 0 {
		strategy = policy.Strategy
	}
	if _, err := release.ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if opts.Override && len(opts.Reason) == 0 {
		return nil, release.Errorf(release.InvalidInvocation, "an override needs a reason")
	}

	existing, err := e.existing(ctx, art.ID, policy.Name, opts)
	if existing != nil || err != nil {
		return existing, err
	}

	d := &release.Deployment{
		ID:          uuid.New().String(),
		ArtifactID:  art.ID,
		Environment: policy.Name,
		Strategy:    strategy,
		State:       release.StateBuilt,
		Override:    opts.Override,
		Reason:      opts.Reason,
		Started:     e.now(),
	}

	env, err := environment.Lock(ctx, e.Environments, policy.Name, d.ID)
	if err != nil {
		return nil, err
	}
	d.Previous = env.Active

	if err := e.Deployments.CreateDeployment(ctx, *d); err != nil {
		_ = environment.Unlock(context.WithoutCancel(ctx), e.Environments, policy.Name, d.ID)
		return nil, fmt.Errorf("store deployment: %w", err)
	}
	metrics.StateTransition(d.Environment, string(d.State))
	logger(d).Infof("Deployment of %s to %s started with strategy %s", art.ID, policy.Name, strategy)

	ctx, r := e.register(ctx, d.ID)
	defer e.unregister(d.ID, r)

	ctx, span := telemetry.Tracer().Start(ctx, "Promote artifact")
	defer span.End()

	err = e.promote(ctx, d, art, policy, opts)
	telemetry.AddDeploymentSpanAttributes(span, d)
	if err != nil {
		span.SetStatus(ocodes.Error, err.Error())
		span.RecordError(err)
	}
	return d, err
}

// existing applies the idempotence rules for a repeated promotion of the same pair.
func (e *Engine) existing(ctx context.Context, artifactID, envName string, opts Options) (*release.Deployment, error) {
	deployments, err := e.Deployments.Deployments(ctx, artifactID, envName)
	if err != nil {
		return nil, fmt.Errorf("look up deployments: %w", err)
	}
	if len(deployments) == 0 {
		return nil, nil
	}

	env, err := e.Environments.Environment(ctx, envName)
	if err != nil {
		return nil, err
	}

	for _, d := range deployments {
		switch {
		case d.State == release.StateFinalized && env.Active == artifactID && !env.Locked():
			logger(d).Infof("Artifact %s is already finalized in %s", artifactID, envName)
			return d, nil
		case d.Held && d.ID == env.Deployment && env.Weights[artifactID] == 100:
			logger(d).Infof("Artifact %s is held at full weight in %s; finalize or abort deployment %s", artifactID, envName, d.ID)
			return d, nil
		}
	}

	newest := deployments[0]
	if newest.Blocked() && !opts.Override {
		decision, err := e.Gate.Decisions.DeploymentDecision(ctx, newest.ID)
		if err != nil {
			return newest, release.Errorf(release.PreconditionNotMet, "deployment %s was rejected by the gate: %s", newest.ID, newest.Reason)
		}
		return newest, gate.RejectionError(decision)
	}

	return nil, nil
}

func (e *Engine) promote(ctx context.Context, d *release.Deployment, art *release.Artifact, policy *config.Environment, opts Options) error {
	if err := e.Verifier.Verify(ctx, art); err != nil {
		return e.fail(ctx, d, policy, err)
	}
	if err := e.transition(ctx, d, release.StateVerified); err != nil {
		return e.fail(ctx, d, policy, err)
	}

	if err := e.transition(ctx, d, release.StateStaged); err != nil {
		return e.fail(ctx, d, policy, err)
	}

	if err := e.holds(ctx, d); err != nil {
		return e.fail(ctx, d, policy, err)
	}
	decision, err := e.Gate.Evaluate(ctx, gate.Input{
		DeploymentID: d.ID,
		Artifact:     art,
		Environment:  policy,
		Previous:     e.Policies.Previous(policy),
		Override:     opts.Override,
		Reason:       opts.Reason,
		Approved:     opts.Approved,
		CI:           opts.CI,
	})
	if decision != nil && decision.Verdict == release.VerdictRejected {
		return e.reject(ctx, d, err)
	} else if err != nil {
		return e.fail(ctx, d, policy, err)
	}

	if err := e.transition(ctx, d, release.StateGateApproved); err != nil {
		return e.fail(ctx, d, policy, err)
	}

	plan := traffic.Plan{
		DeploymentID: d.ID,
		Environment:  policy,
		Previous:     d.Previous,
		Next:         d.ArtifactID,
		Target: health.Target{
			Environment: policy.Name,
			URL:         policy.HealthURL,
		},
	}

	if d.Strategy == release.StrategyBlueGreen {
		if err := e.transition(ctx, d, release.StateProductionShifting); err != nil {
			return e.fail(ctx, d, policy, err)
		}
		shiftCtx, span := telemetry.Tracer().Start(ctx, "Shift traffic")
		err = e.Traffic.Shift(shiftCtx, plan)
		span.End()
	} else {
		err = e.switchAndCheck(ctx, plan, policy)
	}
	if err != nil {
		return e.fail(ctx, d, policy, err)
	}

	if opts.Hold {
		d.Held = true
		if err := e.save(ctx, d); err != nil {
			return e.fail(ctx, d, policy, err)
		}
		logger(d).Infof("Holding %s at full weight in %s until finalized", d.ArtifactID, d.Environment)
		return nil
	}

	// Past the ladder the deployment commits even if an abort arrives now.
	finalized, err := e.Finalize(context.WithoutCancel(ctx), d.ID)
	if finalized != nil {
		*d = *finalized
	}
	return err
}

func (e *Engine) switchAndCheck(ctx context.Context, plan traffic.Plan, policy *config.Environment) error {
	if err := e.Traffic.Switch(ctx, plan); err != nil {
		return err
	}

	target := plan.Target
	target.ExpectVersion = plan.Next
	result, err := health.Check(ctx, e.Prober, target, retry.Policy{
		Interval:    policy.Health.Interval.Duration(),
		MaxInterval: policy.Health.MaxInterval.Duration(),
		Budget:      policy.Health.Timeout.Duration(),
	})
	if err != nil {
		return err
	}

	_, err = environment.Update(ctx, e.Environments, policy.Name, func(env *release.Environment) error {
		if env.Deployment != plan.DeploymentID {
			return traffic.ErrLockLost
		}
		env.Health = result.Status
		return nil
	})
	return err
}

// Finalize commits a deployment that has all weight on its artifact.
// Finalizing a finalized deployment returns it unchanged.
func (e *Engine) Finalize(ctx context.Context, deploymentID string) (*release.Deployment, error) {
	d, err := e.deployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	switch {
	case d.State == release.StateFinalized:
		return d, nil
	case d.State == release.StateRolledBack || d.Blocked():
		return d, release.Errorf(release.PreconditionNotMet, "deployment %s is %s and cannot be finalized", d.ID, d.State)
	case !d.State.AtOrPast(release.StateGateApproved):
		return d, release.Errorf(release.PreconditionNotMet, "deployment %s has not passed the gate", d.ID)
	}

	_, err = environment.Update(ctx, e.Environments, d.Environment, func(env *release.Environment) error {
		if env.Deployment != d.ID {
			return release.Errorf(release.PreconditionNotMet, "deployment %s no longer holds %s", d.ID, d.Environment)
		}
		if env.Weights[d.ArtifactID] != 100 {
			return release.Errorf(release.PreconditionNotMet, "deployment %s has %d%% of traffic; finalize needs 100%%", d.ID, env.Weights[d.ArtifactID])
		}
		env.Weights = release.Weights{d.ArtifactID: 100}
		env.Active = d.ArtifactID
		env.Deployment = ""
		if env.Health == release.HealthUnknown || env.Health == release.HealthDown {
			env.Health = release.HealthOK
		}
		return nil
	})
	if err != nil {
		return d, err
	}

	d.State = release.StateFinalized
	d.Finished = e.now()
	if err := e.Deployments.UpdateDeployment(ctx, *d); err != nil {
		return d, fmt.Errorf("store deployment: %w", err)
	}
	metrics.StateTransition(d.Environment, string(d.State))

	if _, err := e.Gate.Verify(ctx, d); err != nil {
		return d, err
	}

	entry := release.Record{
		DeploymentID: d.ID,
		ArtifactID:   d.ArtifactID,
		Environment:  d.Environment,
		Outcome:      release.OutcomeFinalized,
		FromArtifact: d.Previous,
		Override:     d.Override,
		Timestamp:    d.Finished,
	}
	if d.Override {
		entry.Reason = d.Reason
	}
	if _, err := e.Recorder.Record(ctx, entry); err != nil {
		return d, fmt.Errorf("record release: %w", err)
	}

	metrics.Promotion(d.Environment, string(release.OutcomeFinalized), d.Duration())
	logger(d).Infof("Deployment finalized after %s", d.Duration().Round(time.Second))
	e.notify(ctx, d)

	return d, nil
}

// Abort stops a deployment before it is finalized and restores the environment.
// Aborting a finalized or rolled back deployment changes nothing.
func (e *Engine) Abort(ctx context.Context, deploymentID, reason string) (*release.Deployment, error) {
	if len(reason) == 0 {
		return nil, release.Errorf(release.InvalidInvocation, "abort needs a reason")
	}

	d, err := e.deployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.State.Terminal() || d.Blocked() {
		logger(d).Infof("Deployment is %s; abort has no effect", d.State)
		return d, nil
	}

	e.lock.Lock()
	r, local := e.running[deploymentID]
	if local {
		r.reason = reason
	}
	e.lock.Unlock()

	if local {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return d, ctx.Err()
		}
		return e.deployment(ctx, deploymentID)
	}

	policy, err := e.Policies.Lookup(d.Environment)
	if err != nil {
		return d, err
	}
	return d, e.abort(ctx, d, policy, reason)
}

// Rollback aborts the deployment in flight in the environment, or reverts a
// steady environment to the artifact finalized before the active one.
func (e *Engine) Rollback(ctx context.Context, envName, reason string) (*release.Environment, error) {
	policy, err := e.Policies.Lookup(envName)
	if err != nil {
		return nil, err
	}
	if len(reason) == 0 {
		reason = "rollback requested"
	}

	env, err := e.Environments.Environment(ctx, envName)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "Roll back environment")
	defer span.End()

	if env.Locked() {
		_, err = e.Abort(ctx, env.Deployment, reason)
	} else {
		_, err = e.Restorer.Rollback(ctx, policy, rollback.Request{Reason: reason})
	}
	if err != nil {
		span.SetStatus(ocodes.Error, err.Error())
		return nil, err
	}

	return e.Environments.Environment(ctx, envName)
}

func (e *Engine) Status(ctx context.Context, envName string) (*Status, error) {
	if _, err := e.Policies.Lookup(envName); err != nil {
		return nil, err
	}

	env, err := e.Environments.Environment(ctx, envName)
	if err != nil {
		return nil, err
	}

	status := &Status{Environment: env}
	if env.Locked() {
		status.Deployment, err = e.Deployments.Deployment(ctx, env.Deployment)
		if err != nil && !IsErrNotFound(err) {
			return nil, err
		}
	}

	status.Records, err = recorder.Collect(e.Recorder.Query(ctx, recorder.Filter{
		Environment: envName,
		Order:       recorder.Descending,
		Limit:       statusRecords,
	}))
	if err != nil {
		return nil, err
	}

	return status, nil
}

// Deploy promotes the newest artifact eligible for the environment: the newest
// verified in the tier below, or the newest built for the first tier.
func (e *Engine) Deploy(ctx context.Context, envName string, opts Options) (*release.Deployment, error) {
	policy, err := e.Policies.Lookup(envName)
	if err != nil {
		return nil, err
	}

	artifacts, err := e.Artifacts.Artifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	previous := e.Policies.Previous(policy)
	for _, a := range artifacts {
		if previous != nil {
			verified, err := gate.HasVerdict(ctx, e.Gate.Decisions, a.ID, previous.Name, release.VerdictVerified)
			if err != nil {
				return nil, err
			}
			if !verified {
				continue
			}
		}
		return e.Promote(ctx, a.ID, envName, opts)
	}

	if previous == nil {
		return nil, release.Errorf(release.PreconditionNotMet, "no artifacts have been built")
	}
	return nil, release.Errorf(release.PreconditionNotMet, "no artifact is verified in %s", previous.Name)
}

func (e *Engine) deployment(ctx context.Context, id string) (*release.Deployment, error) {
	d, err := e.Deployments.Deployment(ctx, id)
	if IsErrNotFound(err) {
		return nil, release.Errorf(release.InvalidInvocation, "deployment %s does not exist", id)
	}
	return d, err
}

func (e *Engine) transition(ctx context.Context, d *release.Deployment, state release.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.holds(ctx, d); err != nil {
		return err
	}

	d.State = state
	if err := e.save(ctx, d); err != nil {
		return err
	}

	metrics.StateTransition(d.Environment, string(state))
	logger(d).Debugf("Deployment is %s", state)
	e.notify(ctx, d)
	return nil
}

// save writes a running deployment. One that another process has ended reports
// traffic.ErrLockLost.
func (e *Engine) save(ctx context.Context, d *release.Deployment) error {
	err := e.Deployments.UpdateDeployment(ctx, *d)
	if errors.Is(err, ErrEnded) {
		return fmt.Errorf("%w: %w", traffic.ErrLockLost, err)
	} else if err != nil {
		return fmt.Errorf("store deployment: %w", err)
	}
	return nil
}

// holds fails with traffic.ErrLockLost once another process has taken the
// environment from the deployment, for instance by aborting it.
func (e *Engine) holds(ctx context.Context, d *release.Deployment) error {
	env, err := e.Environments.Environment(ctx, d.Environment)
	if err != nil {
		return err
	}
	if env.Deployment != d.ID {
		return traffic.ErrLockLost
	}
	return nil
}

// reject ends a deployment stopped by the gate. It stays Staged and releases the lock.
func (e *Engine) reject(ctx context.Context, d *release.Deployment, cause error) error {
	ctx = context.WithoutCancel(ctx)

	d.Reason = cause.Error()
	d.Finished = e.now()
	err := e.Deployments.UpdateDeployment(ctx, *d)
	if errors.Is(err, ErrEnded) {
		if stored, err := e.Deployments.Deployment(ctx, d.ID); err == nil {
			*d = *stored
		}
		return fmt.Errorf("%w: %w", ErrAborted, err)
	} else if err != nil {
		return errors.Join(cause, err)
	}

	if err := environment.Unlock(ctx, e.Environments, d.Environment, d.ID); err != nil {
		return errors.Join(cause, err)
	}

	_, err = e.Recorder.Record(ctx, release.Record{
		DeploymentID: d.ID,
		ArtifactID:   d.ArtifactID,
		Environment:  d.Environment,
		Outcome:      release.OutcomeRejected,
		Reason:       d.Reason,
		Timestamp:    d.Finished,
	})
	if err != nil {
		return errors.Join(cause, err)
	}

	metrics.Promotion(d.Environment, string(release.OutcomeRejected), d.Duration())
	e.notify(ctx, d)
	return cause
}

// fail aborts the deployment after an error in the pipeline. If another process
// already took over the environment, the stored deployment is returned as is.
func (e *Engine) fail(ctx context.Context, d *release.Deployment, policy *config.Environment, cause error) error {
	if errors.Is(cause, traffic.ErrLockLost) {
		if stored, err := e.Deployments.Deployment(context.WithoutCancel(ctx), d.ID); err == nil {
			*d = *stored
		}
		return fmt.Errorf("%w: %w", ErrAborted, cause)
	}

	reason := cause.Error()
	if ctx.Err() != nil {
		reason = fmt.Sprintf("interrupted: %s", context.Cause(ctx))
		e.lock.Lock()
		if r, ok := e.running[d.ID]; ok && len(r.reason) > 0 {
			reason = r.reason
		}
		e.lock.Unlock()
		cause = fmt.Errorf("%w: %s", ErrAborted, reason)
	}

	logger(d).Errorf("Deployment failed in state %s: %s", d.State, cause)

	if err := e.abort(context.WithoutCancel(ctx), d, policy, reason); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// abort marks the deployment rolled back. Traffic is restored through the
// rollback manager if the deployment ever received weight.
func (e *Engine) abort(ctx context.Context, d *release.Deployment, policy *config.Environment, reason string) error {
	env, err := e.Environments.Environment(ctx, d.Environment)
	if err != nil {
		return err
	}

	_, touched := env.Weights[d.ArtifactID]
	touched = touched && env.Deployment == d.ID && d.ArtifactID != d.Previous

	if touched {
		_, err = e.Restorer.Rollback(ctx, policy, rollback.Request{
			DeploymentID: d.ID,
			Exclude:      d.ArtifactID,
			Reason:       reason,
		})
		if err != nil {
			d.Reason = fmt.Sprintf("%s; rollback failed: %s", reason, err)
			_ = e.Deployments.UpdateDeployment(ctx, *d)
			return err
		}
	} else {
		if err := environment.Unlock(ctx, e.Environments, d.Environment, d.ID); err != nil {
			return err
		}
		_, err = e.Recorder.Record(ctx, release.Record{
			DeploymentID: d.ID,
			ArtifactID:   d.Previous,
			Environment:  d.Environment,
			Outcome:      release.OutcomeRolledBack,
			FromArtifact: d.ArtifactID,
			Reason:       reason,
			Timestamp:    e.now(),
		})
		if err != nil {
			return fmt.Errorf("record release: %w", err)
		}
	}

	d.State = release.StateRolledBack
	d.Reason = reason
	d.Finished = e.now()
	if err := e.Deployments.UpdateDeployment(ctx, *d); err != nil {
		return fmt.Errorf("store deployment: %w", err)
	}

	metrics.StateTransition(d.Environment, string(d.State))
	metrics.Promotion(d.Environment, string(release.OutcomeRolledBack), d.Duration())
	logger(d).Warnf("Deployment rolled back: %s", reason)
	e.notify(ctx, d)
	return nil
}

func (e *Engine) register(ctx context.Context, id string) (context.Context, *run) {
	ctx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.running == nil {
		e.running = make(map[string]*run)
	}
	e.running[id] = r
	return ctx, r
}

func (e *Engine) unregister(id string, r *run) {
	e.lock.Lock()
	delete(e.running, id)
	e.lock.Unlock()

	r.cancel()
	close(r.done)
}

func (e *Engine) notify(ctx context.Context, d *release.Deployment) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(context.WithoutCancel(ctx), d); err != nil {
		logger(d).Warnf("Unable to report deployment status: %s", err)
	}
}
