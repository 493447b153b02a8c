// Package install manages the vf-agent systemd service: config file,
// unit file, enable and start.
package install

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/virtfleet-io/vf-agent/internal/config"
)

const (
	// DefaultConfigDir is the base config directory.
	DefaultConfigDir = "/etc/vf-agent"
	// ServiceName is the systemd service name.
	ServiceName = "vf-agent"

	systemdUnitPath = "/etc/systemd/system/vf-agent.service"
)

// Options holds the pairing parameters written into the config file.
type Options struct {
	AgentID   string
	AgentName string
	URL       string
	Token     string
}

// ServiceStatus holds the current state of the installed service.
type ServiceStatus struct {
	Installed  bool
	Running    bool
	BinaryPath string
	ConfigPath string
}

// BinaryPath returns the absolute path of the currently running binary.
func BinaryPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

// WriteConfig writes the pairing config to the default location. Targets
// are left for the operator to add; the daemon starts without them.
func WriteConfig(opts Options) error {
	if err := os.MkdirAll(DefaultConfigDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	cfg := config.Config{
		AgentID:   opts.AgentID,
		AgentName: opts.AgentName,
		ControlPlane: config.ControlPlane{
			URL:   opts.URL,
			Token: opts.Token,
		},
	}
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The token lives in this file.
	if err := os.WriteFile(config.DefaultPath, out, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// RemoveConfig removes the config directory.
func RemoveConfig() error {
	return os.RemoveAll(DefaultConfigDir)
}

// ConfigExists checks if the config file exists.
func ConfigExists() bool {
	_, err := os.Stat(config.DefaultPath)
	return err == nil
}

// SystemdUnit generates the unit file content.
func SystemdUnit(binPath string) string {
	return fmt.Sprintf(`[Unit]
Description=VirtFleet Hypervisor Execution Agent
Documentation=https://github.com/virtfleet-io/vf-agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s daemon --config %s
Restart=always
RestartSec=10
Environment=VF_LOG_LEVEL=info

# Security hardening
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=%s /var/log/vf-agent
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`, binPath, config.DefaultPath, DefaultConfigDir)
}

// Install writes the config and unit file, then enables and starts the
// service.
func Install(opts Options) error {
	binPath, err := BinaryPath()
	if err != nil {
		return err
	}
	if err := WriteConfig(opts); err != nil {
		return err
	}

	unit := SystemdUnit(binPath)
	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := runCommand("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if err := runCommand("systemctl", "enable", ServiceName); err != nil {
		return fmt.Errorf("enable service: %w", err)
	}
	if err := runCommand("systemctl", "start", ServiceName); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service. If purge is true, also removes
// the config directory.
func Uninstall(purge bool) error {
	_ = runCommand("systemctl", "stop", ServiceName)
	_ = runCommand("systemctl", "disable", ServiceName)
	_ = os.Remove(systemdUnitPath)
	_ = runCommand("systemctl", "daemon-reload")

	if purge {
		return RemoveConfig()
	}
	return nil
}

// Status returns the current service status.
func Status() ServiceStatus {
	s := ServiceStatus{ConfigPath: config.DefaultPath}
	if binPath, err := BinaryPath(); err == nil {
		s.BinaryPath = binPath
	}
	s.Installed = ConfigExists()
	s.Running = isRunning()
	return s
}

func isRunning() bool {
	cmd := exec.Command("systemctl", "is-active", "--quiet", ServiceName)
	return cmd.Run() == nil
}

func runCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
