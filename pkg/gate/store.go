package gate

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/nais/promote/pkg/release"
)

var ErrNotFound = errors.New("gate decision not found")

type DecisionStore interface {
	StoreDecision(ctx context.Context, decision release.GateDecision) error
	// Decisions returns every decision for the artifact in the environment, newest first.
	Decisions(ctx context.Context, artifactID, environment string) ([]*release.GateDecision, error)
	// DeploymentDecision returns the newest decision recorded for a deployment.
	DeploymentDecision(ctx context.Context, deploymentID string) (*release.GateDecision, error)
}

func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// HasVerdict reports whether the artifact has any decision in environment with one of the verdicts.
func HasVerdict(ctx context.Context, store DecisionStore, artifactID, environment string, verdicts ...release.Verdict) (bool, error) {
	decisions, err := store.Decisions(ctx, artifactID, environment)
	if err != nil {
		return false, err
	}
	for _, d := range decisions {
		if slices.Contains(verdicts, d.Verdict) {
			return true, nil
		}
	}
	return false, nil
}

type memoryStore struct {
	lock      sync.RWMutex
	decisions []release.GateDecision
}

var _ DecisionStore = &memoryStore{}

func NewMemoryStore() DecisionStore {
	return &memoryStore{}
}

func (s *memoryStore) StoreDecision(_ context.Context, decision release.GateDecision) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	decision.Criteria = slices.Clone(decision.Criteria)
	s.decisions = append(s.decisions, decision)
	return nil
}

func (s *memoryStore) Decisions(_ context.Context, artifactID, environment string) ([]*release.GateDecision, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	result := make([]*release.GateDecision, 0)
	for i := len(s.decisions) - 1; i >= 0; i-- {
		d := s.decisions[i]
		if d.ArtifactID == artifactID && d.Environment == environment {
			result = append(result, &d)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result, nil
}

func (s *memoryStore) DeploymentDecision(_ context.Context, deploymentID string) (*release.GateDecision, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].DeploymentID == deploymentID {
			d := s.decisions[i]
			return &d, nil
		}
	}
	return nil, ErrNotFound
}
