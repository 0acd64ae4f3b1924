package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	yamlv2 "gopkg.in/yaml.v2"

	"github.com/nais/promote/pkg/release"
)

const (
	DefaultMaxErrorRate   = 0.05
	DefaultMaxLatency     = 2 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultMaxInterval    = 30 * time.Second
	DefaultHealthTimeout  = 2 * time.Minute
	DefaultWindow         = time.Minute
	DefaultFinalWindow    = 5 * time.Minute
	DefaultSampleInterval = 10 * time.Second
	DefaultRetention      = 7 * 24 * time.Hour
)

var DefaultSteps = []int{10, 25, 50, 100}

// Duration accepts Go duration strings such as "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Thresholds struct {
	MaxErrorRate float64  `json:"max-error-rate"`
	MaxLatency   Duration `json:"max-latency"`
}

type HealthPolicy struct {
	Interval    Duration `json:"interval"`
	MaxInterval Duration `json:"max-interval"`
	Timeout     Duration `json:"timeout"`
}

type TrafficPolicy struct {
	Steps          []int    `json:"steps"`
	Window         Duration `json:"window"`
	FinalWindow    Duration `json:"final-window"`
	SampleInterval Duration `json:"sample-interval"`
}

type Environment struct {
	Name             string           `json:"name"`
	Tier             int              `json:"-"`
	Production       bool             `json:"production"`
	HealthURL        string           `json:"health-url"`
	DatabaseURL      string           `json:"database-url"`
	MigrationsSource string           `json:"migrations-source"`
	RequireApproval  bool             `json:"require-approval"`
	CIAutoApprove    bool             `json:"ci-auto-approve"`
	Strategy         release.Strategy `json:"strategy"`
	Thresholds       Thresholds       `json:"thresholds"`
	Health           HealthPolicy     `json:"health"`
	Traffic          TrafficPolicy    `json:"traffic"`
	Retention        Duration         `json:"retention"`
}

// Environments are kept in promotion order; the index is the tier.
type Environments []Environment

func (e Environments) Lookup(name string) (*Environment, error) {
	for i := range e {
		if e[i].Name == name {
			return &e[i], nil
		}
	}
	return nil, release.Errorf(release.InvalidInvocation, "unknown environment %q; configured environments are %s", name, strings.Join(e.Names(), ", "))
}

// Previous returns the environment one tier below, or nil for the first tier.
func (e Environments) Previous(env *Environment) *Environment {
	if env.Tier == 0 || env.Tier > len(e) {
		return nil
	}
	return &e[env.Tier-1]
}

func (e Environments) Names() []string {
	names := make([]string, len(e))
	for i := range e {
		names[i] = e[i].Name
	}
	return names
}

// UnmarshalJSON decodes strictly, starting from the default error rate so an
// explicit max-error-rate of 0 means zero tolerance.
func (env *Environment) UnmarshalJSON(data []byte) error {
	type plain Environment
	v := plain{
		Thresholds: Thresholds{MaxErrorRate: DefaultMaxErrorRate},
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*env = Environment(v)
	return nil
}

func (env *Environment) applyDefaults() {
	if env.Strategy == "" {
		env.Strategy = release.StrategyRolling
		if env.Production {
			env.Strategy = release.StrategyBlueGreen
		}
	}
	if env.Thresholds.MaxLatency == 0 {
		env.Thresholds.MaxLatency = Duration(DefaultMaxLatency)
	}
	if env.Health.Interval == 0 {
		env.Health.Interval = Duration(DefaultPollInterval)
	}
	if env.Health.MaxInterval == 0 {
		env.Health.MaxInterval = Duration(DefaultMaxInterval)
	}
	if env.Health.Timeout == 0 {
		env.Health.Timeout = Duration(DefaultHealthTimeout)
	}
	if len(env.Traffic.Steps) == 0 {
		env.Traffic.Steps = append([]int(nil), DefaultSteps...)
	}
	if env.Traffic.Window == 0 {
		env.Traffic.Window = Duration(DefaultWindow)
	}
	if env.Traffic.FinalWindow == 0 {
		env.Traffic.FinalWindow = Duration(DefaultFinalWindow)
	}
	if env.Traffic.FinalWindow < env.Traffic.Window {
		env.Traffic.FinalWindow = env.Traffic.Window
	}
	if env.Traffic.SampleInterval == 0 {
		env.Traffic.SampleInterval = Duration(DefaultSampleInterval)
	}
	if env.Retention == 0 {
		env.Retention = Duration(DefaultRetention)
	}
}

func (env *Environment) validate() []error {
	errs := make([]error, 0)
	missing := func(key string) {
		errs = append(errs, fmt.Errorf("environment %q: missing required key '%s'", env.Name, key))
	}

	if len(env.HealthURL) == 0 {
		missing("health-url")
	} else if u, err := url.Parse(env.HealthURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("environment %q: health-url %q is not an absolute URL", env.Name, env.HealthURL))
	}

	if env.Production {
		if len(env.DatabaseURL) == 0 {
			missing("database-url")
		}
		if len(env.MigrationsSource) == 0 {
			missing("migrations-source")
		}
	}

	if _, err := release.ParseStrategy(string(env.Strategy)); err != nil {
		errs = append(errs, fmt.Errorf("environment %q: %s", env.Name, err))
	}

	if env.Thresholds.MaxErrorRate < 0 || env.Thresholds.MaxErrorRate > 1 {
		errs = append(errs, fmt.Errorf("environment %q: max-error-rate must be between 0 and 1", env.Name))
	}

	prev := 0
	for _, step := range env.Traffic.Steps {
		if step <= prev || step > 100 {
			errs = append(errs, fmt.Errorf("environment %q: traffic steps must increase strictly within 1..100, got %v", env.Name, env.Traffic.Steps))
			break
		}
		prev = step
	}
	if prev != 100 {
		errs = append(errs, fmt.Errorf("environment %q: last traffic step must be 100", env.Name))
	}

	if env.Traffic.SampleInterval > env.Traffic.Window {
		errs = append(errs, fmt.Errorf("environment %q: sample-interval is longer than the monitoring window", env.Name))
	}

	return errs
}

// ParseEnvironments decodes one or more YAML documents. A document is either a
// single environment, a list of environments, or a map with an 'environments' list.
// ${VAR} references are expanded from the process environment first.
func ParseEnvironments(data []byte) (Environments, error) {
	expanded := os.ExpandEnv(string(data))

	envs := make(Environments, 0)
	decoder := yamlv2.NewDecoder(bytes.NewReader([]byte(expanded)))
	for {
		var content interface{}
		err := decoder.Decode(&content)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, release.ErrorWrap(release.ConfigurationError, err)
		}
		if content == nil {
			continue
		}

		rawdocument, err := yamlv2.Marshal(content)
		if err != nil {
			return nil, release.ErrorWrap(release.ConfigurationError, err)
		}

		data, err := yaml.YAMLToJSON(rawdocument)
		if err != nil {
			return nil, release.ErrorWrap(release.ConfigurationError, err)
		}

		parsed, err := decodeDocument(data)
		if err != nil {
			return nil, release.ErrorWrap(release.ConfigurationError, err)
		}
		envs = append(envs, parsed...)
	}

	if len(envs) == 0 {
		return nil, release.Errorf(release.ConfigurationError, "no environments configured")
	}

	seen := make(map[string]bool)
	errs := make([]error, 0)
	for i := range envs {
		envs[i].Tier = i
		envs[i].applyDefaults()
		if len(envs[i].Name) == 0 {
			errs = append(errs, fmt.Errorf("environment #%d: missing required key 'name'", i+1))
			continue
		}
		if seen[envs[i].Name] {
			errs = append(errs, fmt.Errorf("environment %q is configured twice", envs[i].Name))
		}
		seen[envs[i].Name] = true
		errs = append(errs, envs[i].validate()...)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, release.ErrorWrap(release.ConfigurationError, err)
	}

	return envs, nil
}

func decodeDocument(data []byte) (Environments, error) {
	strict := func(data []byte, v any) error {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		envs := make(Environments, 0)
		return envs, strict(data, &envs)
	}

	probe := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if list, ok := probe["environments"]; ok && len(probe) == 1 {
		envs := make(Environments, 0)
		return envs, strict(list, &envs)
	}

	env := Environment{}
	if err := strict(data, &env); err != nil {
		return nil, err
	}
	return Environments{env}, nil
}

func LoadEnvironments(path string) (Environments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, release.Errorf(release.ConfigurationError, "read environments: %s", err)
	}
	return ParseEnvironments(data)
}
