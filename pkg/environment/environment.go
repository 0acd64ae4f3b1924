// Package environment keeps versioned environment records.
//
// Every mutation of an environment, weights included, goes through Update,
// which applies a mutation to a fresh copy and commits it with compare-and-swap
// on the record's state version.
package environment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nais/promote/pkg/metrics"
	"github.com/nais/promote/pkg/release"
)

var (
	ErrNotFound        = errors.New("environment not found")
	ErrVersionConflict = errors.New("environment state version conflict")
)

const maxUpdateAttempts = 10

type Store interface {
	Environment(ctx context.Context, name string) (*release.Environment, error)
	Environments(ctx context.Context) ([]*release.Environment, error)
	// CreateEnvironment inserts the record unless one with the same name exists.
	CreateEnvironment(ctx context.Context, env release.Environment) error
	// CompareAndSwap writes env if the stored version equals env.Version.
	// On success env.Version is incremented to match the stored record.
	CompareAndSwap(ctx context.Context, env *release.Environment) error
}

func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsErrVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// Mutation changes a copy of the environment. Returning an error aborts the update.
type Mutation func(env *release.Environment) error

// Update reads the environment, applies fn and commits the result.
// A version conflict means another writer got there first; the mutation is
// then re-applied to the fresh record, so fn must decide from what it is given.
func Update(ctx context.Context, store Store, name string, fn Mutation) (*release.Environment, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := store.Environment(ctx, name)
		if err != nil {
			return nil, err
		}

		next := current.Copy()
		if err := fn(next); err != nil {
			return nil, err
		}

		if err := next.Weights.Validate(); err != nil {
			return nil, fmt.Errorf("environment %s: %w", name, err)
		}

		next.Updated = time.Now()
		err = store.CompareAndSwap(ctx, next)
		switch {
		case err == nil:
			metrics.TrafficWeight(name, current.Weights, next.Weights)
			return next, nil
		case IsErrVersionConflict(err):
			continue
		default:
			return nil, err
		}
	}

	return nil, fmt.Errorf("environment %s: %w after %d attempts", name, ErrVersionConflict, maxUpdateAttempts)
}

// Lock takes the environment for deploymentID. It fails with EnvironmentLocked
// when another deployment already holds it.
func Lock(ctx context.Context, store Store, name, deploymentID string) (*release.Environment, error) {
	return Update(ctx, store, name, func(env *release.Environment) error {
		if env.Deployment == deploymentID {
			return nil
		}
		if env.Locked() {
			return release.Errorf(release.EnvironmentLocked, "environment %s is locked by deployment %s", name, env.Deployment)
		}
		env.Deployment = deploymentID
		return nil
	})
}

// Unlock releases the lock if deploymentID still holds it.
func Unlock(ctx context.Context, store Store, name, deploymentID string) error {
	_, err := Update(ctx, store, name, func(env *release.Environment) error {
		if env.Deployment == deploymentID {
			env.Deployment = ""
		}
		return nil
	})
	return err
}
