// Package gate decides whether an artifact may enter an environment.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/metrics"
	"github.com/nais/promote/pkg/release"
)

const (
	CriterionSecurityScan     = "security-scan"
	CriterionSchemaMigrations = "schema-migrations"
	CriterionPriorStage       = "prior-stage"
	CriterionManualApproval   = "manual-approval"
	CriterionFinalized        = "finalized"
)

// Only these criteria may be bypassed by an override.
var overridable = map[string]bool{
	CriterionSecurityScan:     true,
	CriterionSchemaMigrations: true,
	CriterionManualApproval:   true,
}

var criterionKind = map[string]release.Kind{
	CriterionSecurityScan:     release.SecurityGateFailure,
	CriterionSchemaMigrations: release.MigrationPending,
	CriterionPriorStage:       release.PreconditionNotMet,
	CriterionManualApproval:   release.PreconditionNotMet,
}

type Input struct {
	DeploymentID string
	Artifact     *release.Artifact
	Environment  *config.Environment
	// Environment one tier below, nil for the first tier.
	Previous *config.Environment

	Override bool
	Reason   string
	// Operator approval given on the command line.
	Approved bool
	// Running under CI.
	CI bool
}

type Evaluator struct {
	Decisions  DecisionStore
	Migrations MigrationChecker
	Now        func() time.Time
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluate checks every criterion and stores the decision.
// A rejected decision is returned together with the error of the first failing criterion.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*release.GateDecision, error) {
	if in.Override && len(in.Reason) == 0 {
		return nil, release.Errorf(release.InvalidInvocation, "an override needs a reason")
	}

	criteria := []release.Criterion{
		securityScan(in.Artifact),
		e.schemaMigrations(ctx, in.Environment),
		e.priorStage(ctx, in.Artifact, in.Previous),
	}
	if in.Environment.RequireApproval {
		criteria = append(criteria, manualApproval(in))
	}

	decision := release.GateDecision{
		ID:           uuid.New().String(),
		DeploymentID: in.DeploymentID,
		ArtifactID:   in.Artifact.ID,
		Environment:  in.Environment.Name,
		Criteria:     criteria,
		Verdict:      verdict(criteria, in.Override),
		Timestamp:    e.now(),
	}
	if in.Override && decision.Verdict == release.VerdictApproved && decision.Failed() != nil {
		decision.Override = true
	}

	if err := e.Decisions.StoreDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("store gate decision: %w", err)
	}
	metrics.GateDecision(decision.Environment, string(decision.Verdict))

	logger := log.WithFields(log.Fields{
		"deployment":  in.DeploymentID,
		"artifact":    in.Artifact.ID,
		"environment": in.Environment.Name,
	})

	if decision.Override {
		logger.Warnf("Gate overridden: %s", in.Reason)
	}

	if err := RejectionError(&decision); err != nil {
		logger.Errorf("Gate rejected: %s", err)
		return &decision, err
	}

	logger.Infof("Gate approved")
	return &decision, nil
}

// Verify records that the artifact was finalized in the environment.
// The next tier's prior-stage criterion looks for this decision.
func (e *Evaluator) Verify(ctx context.Context, deployment *release.Deployment) (*release.GateDecision, error) {
	decision := release.GateDecision{
		ID:           uuid.New().String(),
		DeploymentID: deployment.ID,
		ArtifactID:   deployment.ArtifactID,
		Environment:  deployment.Environment,
		Criteria: []release.Criterion{
			{Name: CriterionFinalized, Passed: true},
		},
		Verdict:   release.VerdictVerified,
		Override:  deployment.Override,
		Timestamp: e.now(),
	}
	if err := e.Decisions.StoreDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("store gate decision: %w", err)
	}
	metrics.GateDecision(decision.Environment, string(decision.Verdict))
	return &decision, nil
}

// RejectionError maps a rejected decision to the error kind of its first failing criterion.
func RejectionError(decision *release.GateDecision) error {
	if decision.Verdict != release.VerdictRejected {
		return nil
	}
	failed := decision.Failed()
	if failed == nil {
		return release.Errorf(release.PreconditionNotMet, "gate rejected artifact %s for %s", decision.ArtifactID, decision.Environment)
	}
	kind, ok := criterionKind[failed.Name]
	if !ok {
		kind = release.PreconditionNotMet
	}
	return release.Errorf(kind, "gate %s rejected artifact %s for %s: %s", failed.Name, decision.ArtifactID, decision.Environment, failed.Detail)
}

func verdict(criteria []release.Criterion, override bool) release.Verdict {
	for _, c := range criteria {
		if c.Passed {
			continue
		}
		if override && overridable[c.Name] {
			continue
		}
		return release.VerdictRejected
	}
	return release.VerdictApproved
}

func securityScan(artifact *release.Artifact) release.Criterion {
	c := release.Criterion{Name: CriterionSecurityScan}
	switch artifact.Scan.Verdict {
	case release.ScanClean:
		c.Passed = true
	case release.ScanVulnerable:
		c.Detail = fmt.Sprintf("%d high or critical findings", artifact.Scan.Findings)
	default:
		c.Detail = "no security scan recorded"
	}
	return c
}

func (e *Evaluator) schemaMigrations(ctx context.Context, env *config.Environment) release.Criterion {
	c := release.Criterion{Name: CriterionSchemaMigrations}
	if !env.Production {
		c.Passed = true
		c.Detail = "not a production environment"
		return c
	}

	status, err := e.Migrations.Status(ctx, env)
	switch {
	case err != nil:
		c.Detail = fmt.Sprintf("migration status unknown: %s", err)
	case status.Pending():
		c.Detail = status.String()
	default:
		c.Passed = true
		c.Detail = status.String()
	}
	return c
}

func (e *Evaluator) priorStage(ctx context.Context, artifact *release.Artifact, previous *config.Environment) release.Criterion {
	c := release.Criterion{Name: CriterionPriorStage}
	if previous == nil {
		c.Passed = true
		c.Detail = "first tier"
		return c
	}

	verified, err := HasVerdict(ctx, e.Decisions, artifact.ID, previous.Name, release.VerdictVerified)
	switch {
	case err != nil:
		c.Detail = fmt.Sprintf("look up %s decisions: %s", previous.Name, err)
	case !verified:
		c.Detail = fmt.Sprintf("artifact is not verified in %s", previous.Name)
	default:
		c.Passed = true
		c.Detail = fmt.Sprintf("verified in %s", previous.Name)
	}
	return c
}

func manualApproval(in Input) release.Criterion {
	c := release.Criterion{Name: CriterionManualApproval}
	switch {
	case in.Approved:
		c.Passed = true
		c.Detail = "approved by operator"
	case in.Environment.CIAutoApprove && in.CI:
		c.Passed = true
		c.Detail = "approved by CI policy"
	default:
		c.Detail = "environment requires approval; pass --approve"
	}
	return c
}
