package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"faz/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("p1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "p1" {
		t.Fatalf("project id %q", cfg.Project.ID)
	}
	if len(cfg.Pipeline.BuildSteps) != 2 {
		t.Fatalf("got %d build steps", len(cfg.Pipeline.BuildSteps))
	}
	if _, ok := cfg.GateFor(domain.PhasePlanning); !ok {
		t.Fatal("planning gate missing")
	}
	if _, ok := cfg.GateFor(domain.PhaseQA); ok {
		t.Fatal("qa should not be gated by default")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing project id",
			mutate:  func(c *Config) { c.Project.ID = "" },
			wantErr: "project.id",
		},
		{
			name:    "no build steps",
			mutate:  func(c *Config) { c.Pipeline.BuildSteps = nil },
			wantErr: "build_steps",
		},
		{
			name: "duplicate step name",
			mutate: func(c *Config) {
				c.Pipeline.BuildSteps = append(c.Pipeline.BuildSteps, c.Pipeline.BuildSteps[0])
			},
			wantErr: "declared twice",
		},
		{
			name: "unknown agent kind",
			mutate: func(c *Config) {
				c.Pipeline.BuildSteps[0].Agent = "surgeon"
			},
			wantErr: "unknown agent kind",
		},
		{
			name: "gate on unknown phase",
			mutate: func(c *Config) {
				c.Pipeline.Gates["shipping"] = GateConfig{Enabled: true}
			},
			wantErr: "unknown phase",
		},
		{
			name: "negative auto approve",
			mutate: func(c *Config) {
				c.Pipeline.Gates["review"] = GateConfig{Enabled: true, AutoApproveAfterHours: -1}
			},
			wantErr: "negative",
		},
		{
			name: "phase agent override on building",
			mutate: func(c *Config) {
				c.Pipeline.PhaseAgents = map[string]string{"building": "builder-backend"}
			},
			wantErr: "invalid phase",
		},
		{
			name:    "zero default timeout",
			mutate:  func(c *Config) { c.Agents.DefaultTimeoutSeconds = 0 },
			wantErr: "default_timeout_seconds",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Agents.MaxRetries = -1 },
			wantErr: "max_retries",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("p1")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("got %q, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestAgentForResolvesBuildStepsAndOverrides(t *testing.T) {
	cfg := Default("p1")
	cfg.Pipeline.PhaseAgents = map[string]string{"qa": "reviewer"}

	if kind := cfg.AgentFor(domain.PhaseBuilding, 1); kind != domain.AgentBuilderBackend {
		t.Fatalf("building[1]: got %s", kind)
	}
	if kind := cfg.AgentFor(domain.PhaseBuilding, 2); kind != domain.AgentBuilderFrontend {
		t.Fatalf("building[2]: got %s", kind)
	}
	if kind := cfg.AgentFor(domain.PhaseQA, 0); kind != domain.AgentReviewer {
		t.Fatalf("qa override: got %s", kind)
	}
	if kind := cfg.AgentFor(domain.PhasePlanning, 0); kind != domain.AgentArchitect {
		t.Fatalf("planning: got %s", kind)
	}
}

func TestTimeoutSecondsForFallsBackToDefault(t *testing.T) {
	cfg := Default("p1")
	if secs := cfg.TimeoutSecondsFor(domain.AgentRouter); secs != 30 {
		t.Fatalf("router: got %d", secs)
	}
	if secs := cfg.TimeoutSecondsFor(domain.AgentReviewer); secs != 120 {
		t.Fatalf("reviewer: got %d", secs)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "faz.yml"), []byte(GenerateDefault("p1")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project.ID != "p1" {
		t.Fatalf("project id %q", cfg.Project.ID)
	}
	if cfg.Agents.MaxRetries != 2 {
		t.Fatalf("max retries %d", cfg.Agents.MaxRetries)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing file")
	}
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("LoadOptional: got %v, %v", cfg, err)
	}
}
