package environment

import (
	"context"
	"sort"
	"sync"

	"github.com/nais/promote/pkg/release"
)

type memoryStore struct {
	lock         sync.Mutex
	environments map[string]*release.Environment
}

func NewMemoryStore() Store {
	return &memoryStore{
		environments: make(map[string]*release.Environment),
	}
}

func (m *memoryStore) Environment(_ context.Context, name string) (*release.Environment, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	env, ok := m.environments[name]
	if !ok {
		return nil, ErrNotFound
	}
	return env.Copy(), nil
}

func (m *memoryStore) Environments(_ context.Context) ([]*release.Environment, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	envs := make([]*release.Environment, 0, len(m.environments))
	for _, env := range m.environments {
		envs = append(envs, env.Copy())
	}
	sort.Slice(envs, func(i, j int) bool {
		return envs[i].Tier < envs[j].Tier
	})
	return envs, nil
}

func (m *memoryStore) CreateEnvironment(_ context.Context, env release.Environment) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.environments[env.Name]; ok {
		return nil
	}
	if env.Health == "" {
		env.Health = release.HealthUnknown
	}
	m.environments[env.Name] = env.Copy()
	return nil
}

func (m *memoryStore) CompareAndSwap(_ context.Context, env *release.Environment) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	stored, ok := m.environments[env.Name]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != env.Version {
		return ErrVersionConflict
	}

	env.Version++
	m.environments[env.Name] = env.Copy()
	return nil
}
