package artifact

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nais/promote/pkg/release"
)

var (
	ErrNotFound = errors.New("artifact not found")
	ErrExists   = errors.New("artifact already exists")
)

type Store interface {
	Artifact(ctx context.Context, id string) (*release.Artifact, error)
	// Artifacts returns every artifact, newest build first.
	Artifacts(ctx context.Context) ([]*release.Artifact, error)
	// CreateArtifact fails with ErrExists if the id is taken.
	CreateArtifact(ctx context.Context, artifact release.Artifact) error
}

func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type memoryStore struct {
	lock      sync.RWMutex
	artifacts map[string]release.Artifact
}

var _ Store = &memoryStore{}

func NewMemoryStore() Store {
	return &memoryStore{
		artifacts: make(map[string]release.Artifact),
	}
}

func (s *memoryStore) Artifact(_ context.Context, id string) (*release.Artifact, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *memoryStore) Artifacts(_ context.Context) ([]*release.Artifact, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	result := make([]*release.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		a := a
		result = append(result, &a)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Built.Equal(result[j].Built) {
			return result[i].ID > result[j].ID
		}
		return result[i].Built.After(result[j].Built)
	})
	return result, nil
}

func (s *memoryStore) CreateArtifact(_ context.Context, artifact release.Artifact) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.artifacts[artifact.ID]; ok {
		return ErrExists
	}
	s.artifacts[artifact.ID] = artifact
	return nil
}
