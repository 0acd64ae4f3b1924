package engine

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nais/promote/pkg/release"
)

var (
	ErrNotFound = errors.New("deployment not found")
	ErrEnded    = errors.New("deployment has ended")
)

type DeploymentStore interface {
	Deployment(ctx context.Context, id string) (*release.Deployment, error)
	// Deployments returns every deployment of the artifact to the environment, newest first.
	Deployments(ctx context.Context, artifactID, environment string) ([]*release.Deployment, error)
	CreateDeployment(ctx context.Context, deployment release.Deployment) error
	// UpdateDeployment fails with ErrEnded once the stored deployment has a finish time.
	UpdateDeployment(ctx context.Context, deployment release.Deployment) error
}

func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type memoryStore struct {
	lock        sync.RWMutex
	deployments map[string]release.Deployment
}

var _ DeploymentStore = &memoryStore{}

func NewMemoryStore() DeploymentStore {
	return &memoryStore{
		deployments: make(map[string]release.Deployment),
	}
}

func (s *memoryStore) Deployment(_ context.Context, id string) (*release.Deployment, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	d, ok := s.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *memoryStore) Deployments(_ context.Context, artifactID, environment string) ([]*release.Deployment, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	result := make([]*release.Deployment, 0)
	for _, d := range s.deployments {
		if d.ArtifactID == artifactID && d.Environment == environment {
			d := d
			result = append(result, &d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Started.After(result[j].Started)
	})
	return result, nil
}

func (s *memoryStore) CreateDeployment(_ context.Context, deployment release.Deployment) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.deployments[deployment.ID]; ok {
		return errors.New("deployment already exists")
	}
	s.deployments[deployment.ID] = deployment
	return nil
}

func (s *memoryStore) UpdateDeployment(_ context.Context, deployment release.Deployment) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	stored, ok := s.deployments[deployment.ID]
	if !ok {
		return ErrNotFound
	}
	if !stored.Finished.IsZero() {
		return ErrEnded
	}
	s.deployments[deployment.ID] = deployment
	return nil
}
