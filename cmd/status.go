package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/virtfleet-io/vf-agent/internal/config"
	"github.com/virtfleet-io/vf-agent/internal/install"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vf-agent service status",
	Long:  `Display the current state of the vf-agent service, config, and binary.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s := install.Status()

	fmt.Printf("Binary:     %s\n", valueOrNA(s.BinaryPath))
	fmt.Printf("Config:     %s\n", s.ConfigPath)
	fmt.Printf("Installed:  %s\n", boolStatus(s.Installed))
	fmt.Printf("Running:    %s\n", boolStatus(s.Running))

	if s.Installed {
		cfg, err := config.Load(s.ConfigPath)
		if err == nil {
			fmt.Println()
			fmt.Println("Configuration:")
			fmt.Printf("  Agent ID: %s\n", valueOrNA(cfg.AgentID))
			fmt.Printf("  URL:      %s\n", maskEnd(cfg.ControlPlane.URL, 40))
			fmt.Printf("  Token:    %s\n", maskToken(cfg.ControlPlane.Token))
			fmt.Printf("  Targets:  %d\n", len(cfg.Targets))
		}
	}

	fmt.Printf("\nVersion:    %s\n", rootCmd.Version)

	// Exit code 1 if not running (useful for scripts)
	if !s.Running {
		os.Exit(1)
	}
	return nil
}

func boolStatus(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func valueOrNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func maskEnd(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
