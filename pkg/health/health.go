// Package health polls the health endpoint of an environment.
//
// An endpoint answers GET with {"status": "ok"|"degraded"|"down", "version": "<artifact-id>"}.
// A non-2xx answer, an undecodable body or status "down" is a failed probe.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nais/promote/pkg/metrics"
	"github.com/nais/promote/pkg/release"
	"github.com/nais/promote/pkg/retry"
	"github.com/nais/promote/pkg/telemetry"
)

const (
	DefaultProbeTimeout = 10 * time.Second
	maxBodySize         = 64 * 1024
)

type Target struct {
	Environment string
	URL         string
	// When set, a probe answering with another version fails.
	ExpectVersion string
}

type Sample struct {
	Status  release.Health
	Version string
	Latency time.Duration
	Err     error
}

func (s Sample) Passed() bool {
	return s.Err == nil
}

type Result struct {
	Pass     bool
	Status   release.Health
	Attempts int
	Failures int
	// Latency of the last probe.
	Latency time.Duration
	// Failed probes divided by attempted probes.
	ErrorRate float64
}

// Prober takes a single health sample.
type Prober interface {
	Probe(ctx context.Context, target Target) Sample
}

type Checker struct {
	Client *http.Client
}

var _ Prober = &Checker{}

func NewChecker() *Checker {
	return &Checker{
		Client: &http.Client{Timeout: DefaultProbeTimeout},
	}
}

type response struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func parseStatus(s string) (release.Health, error) {
	switch strings.ToLower(s) {
	case "ok", "healthy", "up":
		return release.HealthOK, nil
	case "degraded":
		return release.HealthDegraded, nil
	case "down", "unhealthy":
		return release.HealthDown, nil
	}
	return release.HealthUnknown, fmt.Errorf("unknown health status %q", s)
}

func (c *Checker) Probe(ctx context.Context, target Target) Sample {
	start := time.Now()
	sample := c.probe(ctx, target)
	sample.Latency = time.Since(start)

	metrics.HealthProbe(target.Environment, sample.Latency, sample.Err)

	return sample
}

func (c *Checker) probe(ctx context.Context, target Target) Sample {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return Sample{Status: release.HealthUnknown, Err: retry.Permanent(err)}
	}
	req.Header.Set("Accept", "application/json")
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := c.Client.Do(req)
	if err != nil {
		return Sample{Status: release.HealthDown, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Sample{Status: release.HealthDown, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Sample{Status: release.HealthDown, Err: fmt.Errorf("health endpoint returned %s", resp.Status)}
	}

	r := response{}
	if err := json.Unmarshal(body, &r); err != nil {
		return Sample{Status: release.HealthUnknown, Err: fmt.Errorf("decode health response: %w", err)}
	}

	status, err := parseStatus(r.Status)
	sample := Sample{Status: status, Version: r.Version, Err: err}
	switch {
	case err != nil:
	case status == release.HealthDown:
		sample.Err = fmt.Errorf("environment reports status down")
	case len(target.ExpectVersion) > 0 && r.Version != target.ExpectVersion:
		sample.Err = fmt.Errorf("environment serves version %q, expected %q", r.Version, target.ExpectVersion)
	}
	return sample
}

// Check probes until one probe passes or the policy budget is spent.
// The first probe is immediate; later ones back off from policy.Interval up to policy.MaxInterval.
func Check(ctx context.Context, prober Prober, target Target, policy retry.Policy) (Result, error) {
	logger := log.WithField("environment", target.Environment)
	result := Result{Status: release.HealthUnknown}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		sample := prober.Probe(ctx, target)
		result.Attempts++
		result.Latency = sample.Latency
		result.Status = sample.Status
		if !sample.Passed() {
			result.Failures++
			return sample.Err
		}
		if sample.Status == release.HealthDegraded {
			logger.Warnf("Health check of %s passed with degraded status", target.URL)
		}
		return nil
	}, func(err error, next time.Duration) {
		logger.Debugf("Health check of %s failed, next attempt in %s: %s", target.URL, next, err)
	})

	if result.Attempts > 0 {
		result.ErrorRate = float64(result.Failures) / float64(result.Attempts)
	}

	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, release.Errorf(release.HealthCheckTimeout, "%s not healthy after %d attempts: %w", target.Environment, result.Attempts, err)
	}

	result.Pass = true
	return result, nil
}

// Check probes target using the checker's HTTP client.
func (c *Checker) Check(ctx context.Context, target Target, policy retry.Policy) (Result, error) {
	return Check(ctx, c, target, policy)
}
