// Package release holds the vocabulary shared by every part of the promotion pipeline.
package release

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type State string

const (
	StateBuilt              State = "built"
	StateVerified           State = "verified"
	StateStaged             State = "staged"
	StateGateApproved       State = "gate-approved"
	StateProductionShifting State = "production-shifting"
	StateFinalized          State = "finalized"
	StateRolledBack         State = "rolled-back"
)

var stateOrder = map[State]int{
	StateBuilt:              0,
	StateVerified:           1,
	StateStaged:             2,
	StateGateApproved:       3,
	StateProductionShifting: 4,
	StateFinalized:          5,
}

// Terminal states can not change again.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateRolledBack
}

// AtOrPast reports whether s has reached other in the forward ordering.
// RolledBack is outside the ordering and never at or past anything.
func (s State) AtOrPast(other State) bool {
	a, ok := stateOrder[s]
	if !ok {
		return false
	}
	b, ok := stateOrder[other]
	if !ok {
		return false
	}
	return a >= b
}

type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue-green"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRolling, StrategyBlueGreen:
		return Strategy(s), nil
	}
	return "", Errorf(InvalidInvocation, "unknown strategy %q; use 'rolling' or 'blue-green'", s)
}

type ScanVerdict string

const (
	ScanClean      ScanVerdict = "clean"
	ScanVulnerable ScanVerdict = "vulnerable"
	ScanUnknown    ScanVerdict = "unknown"
)

type Scan struct {
	Verdict  ScanVerdict `json:"verdict"`
	Findings int         `json:"findings"`
	Scanner  string      `json:"scanner,omitempty"`
}

type Artifact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Reference string    `json:"reference"`
	Revision  string    `json:"revision"`
	Built     time.Time `json:"built"`
	Checksum  string    `json:"checksum"`
	Scan      Scan      `json:"scan"`
}

type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Weights maps artifact id to the percentage of traffic it receives.
type Weights map[string]int

func (w Weights) Sum() int {
	sum := 0
	for _, v := range w {
		sum += v
	}
	return sum
}

// Validate checks that the weight map is either empty or sums to 100 across at most two artifacts.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return nil
	}
	if len(w) > 2 {
		return fmt.Errorf("weight map holds %d artifacts; at most two may coexist", len(w))
	}
	for id, v := range w {
		if v < 0 || v > 100 {
			return fmt.Errorf("weight %d for %q is out of range", v, id)
		}
	}
	if sum := w.Sum(); sum != 100 {
		return fmt.Errorf("weights sum to %d, not 100", sum)
	}
	return nil
}

func (w Weights) Copy() Weights {
	if w == nil {
		return nil
	}
	c := make(Weights, len(w))
	for k, v := range w {
		c[k] = v
	}
	return c
}

func (w Weights) String() string {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, w[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Split returns a weight map with the given percentage on next and the rest on prev.
func Split(prev, next string, percent int) Weights {
	if prev == "" || prev == next || percent >= 100 {
		return Weights{next: 100}
	}
	return Weights{next: percent, prev: 100 - percent}
}

type Environment struct {
	Name       string    `json:"name"`
	Tier       int       `json:"tier"`
	Active     string    `json:"active"`
	Weights    Weights   `json:"weights"`
	Health     Health    `json:"health"`
	Deployment string    `json:"deployment,omitempty"`
	Version    int64     `json:"version"`
	Updated    time.Time `json:"updated"`
}

func (e *Environment) Locked() bool {
	return e.Deployment != ""
}

func (e *Environment) Copy() *Environment {
	c := *e
	c.Weights = e.Weights.Copy()
	return &c
}

type Deployment struct {
	ID          string    `json:"id"`
	ArtifactID  string    `json:"artifactId"`
	Environment string    `json:"environment"`
	Strategy    Strategy  `json:"strategy"`
	State       State     `json:"state"`
	Previous    string    `json:"previous,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Override    bool      `json:"override,omitempty"`
	Held        bool      `json:"held,omitempty"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished,omitempty"`
}

// Blocked reports whether the deployment was stopped by a failing gate.
func (d *Deployment) Blocked() bool {
	return d.State == StateStaged && d.Reason != "" && !d.Finished.IsZero()
}

func (d *Deployment) Duration() time.Duration {
	if d.Finished.IsZero() {
		return time.Since(d.Started)
	}
	return d.Finished.Sub(d.Started)
}

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictVerified Verdict = "verified"
)

type Criterion struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type GateDecision struct {
	ID           string      `json:"id"`
	DeploymentID string      `json:"deploymentId"`
	ArtifactID   string      `json:"artifactId"`
	Environment  string      `json:"environment"`
	Criteria     []Criterion `json:"criteria"`
	Verdict      Verdict     `json:"verdict"`
	Override     bool        `json:"override,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

func (g *GateDecision) Passed() bool {
	return g.Verdict == VerdictApproved || g.Verdict == VerdictVerified
}

// Failed returns the first criterion that did not pass, or nil.
func (g *GateDecision) Failed() *Criterion {
	for i := range g.Criteria {
		if !g.Criteria[i].Passed {
			return &g.Criteria[i]
		}
	}
	return nil
}

type Outcome string

const (
	OutcomeFinalized  Outcome = "finalized"
	OutcomeRolledBack Outcome = "rolled-back"
	OutcomeRejected   Outcome = "rejected"
)

type Record struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	ArtifactID   string    `json:"artifactId"`
	Environment  string    `json:"environment"`
	Outcome      Outcome   `json:"outcome"`
	FromArtifact string    `json:"fromArtifact,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Override     bool      `json:"override,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
