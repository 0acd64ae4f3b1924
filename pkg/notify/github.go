// Package notify mirrors deployments as GitHub deployments and deployment statuses.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	gh "github.com/google/go-github/v41/github"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/nais/promote/pkg/artifact"
	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/metrics"
	"github.com/nais/promote/pkg/release"
)

const (
	maxDescriptionLength = 140
	deploymentTask       = "promote"
)

var ErrGitHubNotEnabled = fmt.Errorf("GitHub requests are not enabled")

type GitHub struct {
	client       *gh.Client
	owner        string
	repository   string
	artifacts    artifact.Store
	environments config.Environments

	lock        sync.Mutex
	deployments map[string]int64
}

// NewClient returns a GitHub client authenticating with a static token.
func NewClient(ctx context.Context, token string) *gh.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return gh.NewClient(oauth2.NewClient(ctx, ts))
}

func NewGitHub(client *gh.Client, cfg config.Github, artifacts artifact.Store, environments config.Environments) (*GitHub, error) {
	if !cfg.Enabled {
		return nil, ErrGitHubNotEnabled
	}
	if len(cfg.Owner) == 0 || len(cfg.Repository) == 0 {
		return nil, release.Errorf(release.ConfigurationError, "github.owner and github.repository are required when GitHub is enabled")
	}
	return &GitHub{
		client:       client,
		owner:        cfg.Owner,
		repository:   cfg.Repository,
		artifacts:    artifacts,
		environments: environments,
		deployments:  make(map[string]int64),
	}, nil
}

// State maps a deployment state to a GitHub deployment status state.
func State(d *release.Deployment) string {
	switch {
	case d.State == release.StateFinalized:
		return "success"
	case d.State == release.StateRolledBack, d.Blocked():
		return "failure"
	case d.State == release.StateBuilt:
		return "queued"
	}
	return "in_progress"
}

func (g *GitHub) Notify(ctx context.Context, d *release.Deployment) error {
	id, err := g.deployment(ctx, d)
	if err != nil {
		return fmt.Errorf("create GitHub deployment: %w", err)
	}

	state := State(d)
	description := fmt.Sprintf("%s: %s", d.ArtifactID, d.State)
	if len(d.Reason) > 0 {
		description = fmt.Sprintf("%s (%s)", description, d.Reason)
	}
	if len(description) > maxDescriptionLength {
		description = description[:maxDescriptionLength]
	}

	_, resp, err := g.client.Repositories.CreateDeploymentStatus(ctx, g.owner, g.repository, id, &gh.DeploymentStatusRequest{
		State:       gh.String(state),
		Description: gh.String(description),
		Environment: gh.String(d.Environment),
	})
	g.observe(resp)
	if err != nil {
		return fmt.Errorf("create GitHub deployment status: %w", err)
	}

	log.WithFields(log.Fields{
		"deployment":  d.ID,
		"environment": d.Environment,
		"github_id":   id,
	}).Debugf("GitHub deployment status set to %s", state)

	return nil
}

// deployment returns the GitHub deployment backing d, creating it on first use.
func (g *GitHub) deployment(ctx context.Context, d *release.Deployment) (int64, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if id, ok := g.deployments[d.ID]; ok {
		return id, nil
	}

	payload := g.request(ctx, d)
	dep, resp, err := g.client.Repositories.CreateDeployment(ctx, g.owner, g.repository, &payload)
	g.observe(resp)
	if err != nil {
		return 0, err
	}

	g.deployments[d.ID] = dep.GetID()
	return dep.GetID(), nil
}

func (g *GitHub) request(ctx context.Context, d *release.Deployment) gh.DeploymentRequest {
	ref := d.ArtifactID
	if a, err := g.artifacts.Artifact(ctx, d.ArtifactID); err == nil && len(a.Revision) > 0 {
		ref = a.Revision
	}

	production := false
	if env, err := g.environments.Lookup(d.Environment); err == nil {
		production = env.Production
	}

	requiredContexts := make([]string, 0)
	return gh.DeploymentRequest{
		Ref:                   gh.String(ref),
		Task:                  gh.String(deploymentTask),
		Environment:           gh.String(d.Environment),
		Description:           gh.String(fmt.Sprintf("promote %s to %s", d.ArtifactID, d.Environment)),
		AutoMerge:             gh.Bool(false),
		RequiredContexts:      &requiredContexts,
		ProductionEnvironment: gh.Bool(production),
	}
}

func (g *GitHub) observe(resp *gh.Response) {
	if resp == nil {
		return
	}
	metrics.GitHubRequest(resp.StatusCode, g.owner+"/"+g.repository)
	if resp.StatusCode == http.StatusUnauthorized {
		log.Warnf("GitHub rejected the token for %s/%s", g.owner, g.repository)
	}
}
