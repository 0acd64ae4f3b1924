// Package traffic moves weight between the old and the new artifact of an environment.
//
// All weight writes go through environment.Update and are only made while the
// deployment still holds the environment lock.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/environment"
	"github.com/nais/promote/pkg/health"
	"github.com/nais/promote/pkg/release"
)

var ErrLockLost = errors.New("deployment no longer holds the environment lock")

type Plan struct {
	DeploymentID string
	Environment  *config.Environment
	// Artifact serving the environment before the shift. Empty for a first deployment.
	Previous string
	Next     string
	Target   health.Target
}

func (p Plan) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"deployment":  p.DeploymentID,
		"artifact":    p.Next,
		"environment": p.Environment.Name,
	})
}

type Controller struct {
	Environments environment.Store
	Prober       health.Prober
}

// Shift walks the weight ladder of the environment, holding every step for a monitoring window.
// A threshold breach reverts all weight to the previous artifact and returns ThresholdBreached.
// Cancellation or a lost lock stops the ladder without writing.
func (c *Controller) Shift(ctx context.Context, plan Plan) error {
	traffic := plan.Environment.Traffic
	logger := plan.logger()

	for i, step := range traffic.Steps {
		weights, err := c.write(ctx, plan, step)
		if err != nil {
			return err
		}
		logger.Infof("Traffic at %s", weights)

		window := traffic.Window.Duration()
		if i == len(traffic.Steps)-1 {
			window = traffic.FinalWindow.Duration()
		}

		err = c.Monitor(ctx, plan, window)
		if release.IsKind(err, release.ThresholdBreached) {
			logger.Errorf("Step %d%% breached thresholds: %s", step, err)
			if revertErr := c.Revert(context.WithoutCancel(ctx), plan); revertErr != nil {
				return errors.Join(err, revertErr)
			}
			return err
		} else if err != nil {
			return err
		}
	}

	return nil
}

// Switch moves all weight to the new artifact in one write.
func (c *Controller) Switch(ctx context.Context, plan Plan) error {
	weights, err := c.write(ctx, plan, 100)
	if err == nil {
		plan.logger().Infof("Traffic at %s", weights)
	}
	return err
}

// Revert puts all weight back on the previous artifact, leaving the new one at zero.
func (c *Controller) Revert(ctx context.Context, plan Plan) error {
	if len(plan.Previous) == 0 || plan.Previous == plan.Next {
		return fmt.Errorf("no previous artifact to revert %s to", plan.Environment.Name)
	}

	env, err := environment.Update(ctx, c.Environments, plan.Environment.Name, func(env *release.Environment) error {
		if env.Deployment != plan.DeploymentID {
			return ErrLockLost
		}
		env.Weights = release.Weights{plan.Previous: 100, plan.Next: 0}
		return nil
	})
	if err != nil {
		return fmt.Errorf("revert traffic: %w", err)
	}

	plan.logger().Warnf("Traffic reverted to %s", env.Weights)
	return nil
}

func (c *Controller) write(ctx context.Context, plan Plan, step int) (release.Weights, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env, err := environment.Update(ctx, c.Environments, plan.Environment.Name, func(env *release.Environment) error {
		if env.Deployment != plan.DeploymentID {
			return ErrLockLost
		}
		env.Weights = release.Split(plan.Previous, plan.Next, step)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env.Weights, nil
}

// Monitor samples the environment every sample interval for the length of window.
// It returns ThresholdBreached as soon as the error rate of the samples taken so far,
// or the latency of one sample, is above the environment thresholds.
func (c *Controller) Monitor(ctx context.Context, plan Plan, window time.Duration) error {
	policy := plan.Environment
	interval := policy.Traffic.SampleInterval.Duration()
	maxLatency := policy.Thresholds.MaxLatency.Duration()
	logger := plan.logger()

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	samples, failures := 0, 0
	for {
		sample := c.Prober.Probe(ctx, plan.Target)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		samples++
		if !sample.Passed() {
			failures++
			logger.Warnf("Health sample failed: %s", sample.Err)
		}

		rate := float64(failures) / float64(samples)
		switch {
		case rate > policy.Thresholds.MaxErrorRate:
			return release.Errorf(release.ThresholdBreached, "error rate %.2f over %d samples exceeds %.2f", rate, samples, policy.Thresholds.MaxErrorRate)
		case maxLatency > 0 && sample.Latency > maxLatency:
			return release.Errorf(release.ThresholdBreached, "latency %s exceeds %s", sample.Latency, maxLatency)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			logger.Debugf("Monitoring window of %s passed with %d samples", window, samples)
			return nil
		case <-ticker.C:
		}
	}
}
