package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"faz/internal/domain"
)

// Config models faz.yml: the pipeline policy for one project.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"project" json:"project"`
	Pipeline struct {
		// BuildSteps define the building[1..N] sub-phases, in order.
		BuildSteps []BuildStep `yaml:"build_steps" json:"build_steps"`
		// Gates maps a phase name to its checkpoint policy. A phase absent
		// from the map advances without human review.
		Gates map[string]GateConfig `yaml:"gates" json:"gates"`
		// PhaseAgents overrides the agent kind dispatched for a non-building
		// phase. Building steps carry their own agent.
		PhaseAgents map[string]string `yaml:"phase_agents,omitempty" json:"phase_agents,omitempty"`
	} `yaml:"pipeline" json:"pipeline"`
	Agents struct {
		// DefaultTimeoutSeconds bounds an agent call when no per-kind ceiling
		// is set.
		DefaultTimeoutSeconds int            `yaml:"default_timeout_seconds" json:"default_timeout_seconds"`
		TimeoutSeconds        map[string]int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
		// MaxRetries applies to transient failures only.
		MaxRetries     int `yaml:"max_retries" json:"max_retries"`
		BackoffSeconds int `yaml:"backoff_seconds" json:"backoff_seconds"`
	} `yaml:"agents" json:"agents"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type BuildStep struct {
	Name  string `yaml:"name" json:"name"`
	Agent string `yaml:"agent" json:"agent"`
}

type GateConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// AutoApproveAfterHours of 0 means the gate waits indefinitely for a
	// human decision.
	AutoApproveAfterHours int `yaml:"auto_approve_after_hours,omitempty" json:"auto_approve_after_hours,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

var validAgents = map[string]bool{
	string(domain.AgentRouter):          true,
	string(domain.AgentArchitect):       true,
	string(domain.AgentBuilderFrontend): true,
	string(domain.AgentBuilderBackend):  true,
	string(domain.AgentReviewer):        true,
	string(domain.AgentContent):         true,
	string(domain.AgentQA):              true,
	string(domain.AgentDeploy):          true,
}

var gateablePhases = map[string]bool{
	string(domain.PhaseIntake):    true,
	string(domain.PhasePlanning):  true,
	string(domain.PhaseBuilding):  true,
	string(domain.PhaseQA):        true,
	string(domain.PhaseReview):    true,
	string(domain.PhaseDeploying): true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Pipeline.BuildSteps) == 0 {
		return fmt.Errorf("config.pipeline.build_steps must name at least one step")
	}
	seen := map[string]bool{}
	for i, step := range c.Pipeline.BuildSteps {
		if step.Name == "" {
			return fmt.Errorf("build step %d has empty name", i+1)
		}
		if seen[step.Name] {
			return fmt.Errorf("build step %s declared twice", step.Name)
		}
		seen[step.Name] = true
		if !validAgents[step.Agent] {
			return fmt.Errorf("build step %s references unknown agent kind %s", step.Name, step.Agent)
		}
	}
	for phase, gate := range c.Pipeline.Gates {
		if !gateablePhases[phase] {
			return fmt.Errorf("gate configured for unknown phase %s", phase)
		}
		if gate.AutoApproveAfterHours < 0 {
			return fmt.Errorf("gate for phase %s has negative auto_approve_after_hours", phase)
		}
	}
	for phase, kind := range c.Pipeline.PhaseAgents {
		if !gateablePhases[phase] || phase == string(domain.PhaseBuilding) {
			return fmt.Errorf("phase_agents entry for invalid phase %s", phase)
		}
		if !validAgents[kind] {
			return fmt.Errorf("phase %s references unknown agent kind %s", phase, kind)
		}
	}
	if c.Agents.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("config.agents.default_timeout_seconds must be positive")
	}
	for kind, secs := range c.Agents.TimeoutSeconds {
		if !validAgents[kind] {
			return fmt.Errorf("timeout configured for unknown agent kind %s", kind)
		}
		if secs <= 0 {
			return fmt.Errorf("timeout for agent %s must be positive", kind)
		}
	}
	if c.Agents.MaxRetries < 0 {
		return fmt.Errorf("config.agents.max_retries must not be negative")
	}
	return nil
}

// GateFor returns the gate policy for a phase, if one is configured.
func (c *Config) GateFor(phase domain.Phase) (GateConfig, bool) {
	g, ok := c.Pipeline.Gates[string(phase)]
	if !ok || !g.Enabled {
		return GateConfig{}, false
	}
	return g, true
}

// AgentFor resolves the agent kind for a phase step.
func (c *Config) AgentFor(phase domain.Phase, index int) domain.AgentKind {
	if phase == domain.PhaseBuilding {
		if index >= 1 && index <= len(c.Pipeline.BuildSteps) {
			return domain.AgentKind(c.Pipeline.BuildSteps[index-1].Agent)
		}
		return domain.AgentBuilderBackend
	}
	if kind, ok := c.Pipeline.PhaseAgents[string(phase)]; ok {
		return domain.AgentKind(kind)
	}
	switch phase {
	case domain.PhaseIntake:
		return domain.AgentRouter
	case domain.PhasePlanning:
		return domain.AgentArchitect
	case domain.PhaseQA:
		return domain.AgentQA
	case domain.PhaseReview:
		return domain.AgentReviewer
	case domain.PhaseDeploying:
		return domain.AgentDeploy
	}
	return domain.AgentRouter
}

// TimeoutSecondsFor returns the call ceiling for an agent kind.
func (c *Config) TimeoutSecondsFor(kind domain.AgentKind) int {
	if secs, ok := c.Agents.TimeoutSeconds[string(kind)]; ok {
		return secs
	}
	return c.Agents.DefaultTimeoutSeconds
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "faz.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with faz project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: ""

pipeline:
  build_steps:
    - name: backend
      agent: builder-backend
    - name: frontend
      agent: builder-frontend

  gates:
    planning:
      enabled: true
      auto_approve_after_hours: 24
    review:
      enabled: true

agents:
  default_timeout_seconds: 120
  timeout_seconds:
    router: 30
    builder-backend: 600
    builder-frontend: 600
    deploy: 300
  max_retries: 2
  backoff_seconds: 2
`
