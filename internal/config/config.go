// Package config handles configuration for vf-agent.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its config file.
const DefaultPath = "/etc/vf-agent/config.yaml"

// Config holds all vf-agent configuration.
type Config struct {
	AgentID   string `yaml:"agent_id"`
	AgentName string `yaml:"agent_name"`

	ControlPlane ControlPlane `yaml:"control_plane"`

	// ActiveTarget names the target that wins when a command does not
	// request one explicitly.
	ActiveTarget string   `yaml:"active_target"`
	Targets      []Target `yaml:"targets"`

	LogLevel string `yaml:"log_level"`

	// AuditLog overrides the audit trail location. Empty means the
	// built-in default.
	AuditLog string `yaml:"audit_log"`
}

// ControlPlane is the pairing with the VirtFleet SaaS.
type ControlPlane struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Target is one hypervisor the agent can drive.
type Target struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Node     string `yaml:"node"`

	// Default marks the legacy single-target config; ActiveTarget
	// supersedes it when set.
	Default bool `yaml:"default"`

	SSH SSHConfig `yaml:"ssh"`
}

// SSHConfig carries optional per-target SSH overrides. When Host is empty
// the SSH layer derives it from the target's API URL.
type SSHConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
}

// Load reads the YAML config file and applies environment variable
// overrides. A missing file is not an error; the environment can supply
// everything. Call Validate before starting the daemon.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)

	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.SSH.PrivateKey == "" && t.SSH.PrivateKeyFile != "" {
			key, err := os.ReadFile(t.SSH.PrivateKeyFile)
			if err != nil {
				return nil, fmt.Errorf("read private key for target %q: %w", t.Name, err)
			}
			t.SSH.PrivateKey = string(key)
		}
	}

	return cfg, nil
}

// Validate checks the fields the dispatch loop cannot run without. An agent
// with no paired identity must not start.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent identity is required (agent_id or VF_AGENT_ID)")
	}
	if c.ControlPlane.URL == "" {
		return fmt.Errorf("control plane URL is required (control_plane.url or VF_URL)")
	}
	if c.ControlPlane.Token == "" {
		return fmt.Errorf("control plane token is required (control_plane.token or VF_TOKEN)")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VF_AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("VF_AGENT_NAME"); v != "" {
		cfg.AgentName = v
	}
	if v := os.Getenv("VF_URL"); v != "" {
		cfg.ControlPlane.URL = v
	}
	if v := os.Getenv("VF_TOKEN"); v != "" {
		cfg.ControlPlane.Token = v
	}
	if v := os.Getenv("VF_ACTIVE_TARGET"); v != "" {
		cfg.ActiveTarget = v
	}
	if v := os.Getenv("VF_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VF_AUDIT_LOG"); v != "" {
		cfg.AuditLog = v
	}
}
