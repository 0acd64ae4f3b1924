// Package rollback restores the last known good artifact of an environment.
package rollback

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/environment"
	"github.com/nais/promote/pkg/gate"
	"github.com/nais/promote/pkg/metrics"
	"github.com/nais/promote/pkg/recorder"
	"github.com/nais/promote/pkg/release"
)

type Request struct {
	// Deployment being aborted. Empty when reverting a steady environment.
	DeploymentID string
	// Artifact that must not be restored, usually the one being reverted.
	Exclude string
	Reason  string
}

type Manager struct {
	Environments environment.Store
	Recorder     recorder.Recorder
	Decisions    gate.DecisionStore
	Now          func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Target finds the newest artifact finalized in env that was not reverted afterwards,
// is still inside the retention window and passed a gate there.
func (m *Manager) Target(ctx context.Context, env *config.Environment, excluding string) (*release.Record, error) {
	filter := recorder.Filter{
		Environment: env.Name,
		Outcomes:    []release.Outcome{release.OutcomeFinalized, release.OutcomeRolledBack},
		Order:       recorder.Descending,
	}

	reverted := make(map[string]bool)
	var supersededAt time.Time
	retention := env.Retention.Duration()

	for record, err := range m.Recorder.Query(ctx, filter) {
		if err != nil {
			return nil, err
		}

		newer := supersededAt
		supersededAt = record.Timestamp

		if record.Outcome == release.OutcomeRolledBack {
			if len(record.FromArtifact) > 0 {
				reverted[record.FromArtifact] = true
			}
			continue
		}

		if retention > 0 && !newer.IsZero() && m.now().Sub(newer) > retention {
			break
		}
		if record.ArtifactID == excluding || reverted[record.ArtifactID] {
			continue
		}

		passed, err := gate.HasVerdict(ctx, m.Decisions, record.ArtifactID, env.Name, release.VerdictApproved, release.VerdictVerified)
		if err != nil {
			return nil, err
		}
		if !passed {
			continue
		}

		return &record, nil
	}

	return nil, release.Errorf(release.NoRollbackTarget, "no finalized artifact in %s to roll back to", env.Name)
}

// Rollback moves all traffic to the rollback target in one write and releases
// the lock held by req.DeploymentID. Failures are fatal and need an operator.
func (m *Manager) Rollback(ctx context.Context, env *config.Environment, req Request) (*release.Record, error) {
	logger := log.WithFields(log.Fields{
		"environment": env.Name,
		"deployment":  req.DeploymentID,
	})

	record, err := m.rollback(ctx, env, req, logger)
	metrics.Rollback(env.Name, err)
	if err != nil && release.Fatal(err) {
		metrics.FatalError(release.KindOf(err).String())
		logger.WithField("fatal", true).Errorf("Rollback failed; manual intervention required: %s", err)
	}
	return record, err
}

func (m *Manager) rollback(ctx context.Context, env *config.Environment, req Request, logger *log.Entry) (*release.Record, error) {
	current, err := m.Environments.Environment(ctx, env.Name)
	if err != nil {
		return nil, release.ErrorWrap(release.RollbackFailed, err)
	}

	exclude := req.Exclude
	if len(exclude) == 0 {
		exclude = current.Active
	}

	target, err := m.Target(ctx, env, exclude)
	if err != nil {
		if release.IsKind(err, release.NoRollbackTarget) {
			return nil, err
		}
		return nil, release.ErrorWrap(release.RollbackFailed, err)
	}

	var from string
	_, err = environment.Update(ctx, m.Environments, env.Name, func(e *release.Environment) error {
		if e.Locked() && e.Deployment != req.DeploymentID {
			return release.Errorf(release.EnvironmentLocked, "environment %s is locked by deployment %s", env.Name, e.Deployment)
		}
		from = exclude
		e.Weights = release.Weights{target.ArtifactID: 100}
		e.Active = target.ArtifactID
		e.Health = release.HealthUnknown
		e.Deployment = ""
		return nil
	})
	if release.IsKind(err, release.EnvironmentLocked) {
		return nil, err
	} else if err != nil {
		return nil, release.Errorf(release.RollbackFailed, "restore %s in %s: %w", target.ArtifactID, env.Name, err)
	}

	entry, err := m.Recorder.Record(ctx, release.Record{
		DeploymentID: req.DeploymentID,
		ArtifactID:   target.ArtifactID,
		Environment:  env.Name,
		Outcome:      release.OutcomeRolledBack,
		FromArtifact: from,
		Reason:       req.Reason,
		Timestamp:    m.now(),
	})
	if err != nil {
		return nil, release.Errorf(release.RollbackFailed, "traffic restored to %s but the release record was not written: %w", target.ArtifactID, err)
	}

	logger.Warnf("Rolled back %s from %s to %s: %s", env.Name, from, target.ArtifactID, req.Reason)
	return entry, nil
}
