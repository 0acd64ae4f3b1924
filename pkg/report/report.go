// Package report persists the outcome of a deployment.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aymerick/raymond"

	"github.com/nais/promote/pkg/release"
)

type Report struct {
	Timestamp       time.Time        `json:"timestamp"`
	DeploymentID    string           `json:"deploymentId"`
	ArtifactID      string           `json:"artifactId"`
	Environment     string           `json:"environment"`
	Strategy        release.Strategy `json:"strategy"`
	FinalState      release.State    `json:"finalState"`
	DurationSeconds float64          `json:"durationSeconds"`
	Reason          string           `json:"reason,omitempty"`
	Error           string           `json:"error,omitempty"`
	TraceID         string           `json:"traceId,omitempty"`
}

func New(d *release.Deployment, err error, traceID string) Report {
	r := Report{
		Timestamp:       time.Now().UTC(),
		DeploymentID:    d.ID,
		ArtifactID:      d.ArtifactID,
		Environment:     d.Environment,
		Strategy:        d.Strategy,
		FinalState:      d.State,
		DurationSeconds: d.Duration().Round(time.Millisecond).Seconds(),
		Reason:          d.Reason,
		TraceID:         traceID,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Write stores the report as deployment-<environment>-<id>.json in dir and returns the path.
func Write(dir string, r Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("deployment-%s-%s.json", r.Environment, r.DeploymentID))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

const summaryTemplate = `## {{emoji finalState}} promote {{artifactId}} to {{environment}}

* Deployment: {{deploymentId}}
* Strategy: {{strategy}}
* Final state: *{{finalState}}*
* Duration: {{durationSeconds}}s
{{#if traceId}}* Trace: {{traceId}}
{{/if}}{{#if reason}}* Reason: {{reason}}
{{/if}}{{#if error}}
> {{error}}
{{/if}}
`

var summary = raymond.MustParse(summaryTemplate)

func init() {
	summary.RegisterHelper("emoji", func(state string) string {
		switch release.State(state) {
		case release.StateFinalized:
			return "✅"
		case release.StateRolledBack:
			return "⏪"
		case release.StateStaged:
			return "⛔"
		}
		return "⏳"
	})
}

// Summary renders the report as markdown for a CI step summary.
func Summary(w io.Writer, r Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ctx := make(map[string]any)
	if err := json.Unmarshal(data, &ctx); err != nil {
		return err
	}

	output, err := summary.Exec(ctx)
	if err != nil {
		return fmt.Errorf("execute summary template: %w", err)
	}

	_, err = io.WriteString(w, output)
	return err
}

// AppendSummary appends the summary to the file at path, which CI runners create in advance.
// An empty path does nothing.
func AppendSummary(path string, r Report) error {
	if len(path) == 0 {
		return nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open step summary: %w", err)
	}
	defer file.Close()
	return Summary(file, r)
}
