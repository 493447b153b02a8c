package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/virtfleet-io/vf-agent/internal/install"
)

var (
	flagInstallAgentID string
	flagInstallName    string
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install vf-agent as a systemd service",
	Long: `Install vf-agent as a systemd service.

This command:
  1. Writes the pairing config to /etc/vf-agent/config.yaml
  2. Creates and enables the vf-agent systemd unit
  3. Starts the service immediately

Hypervisor targets are added to the config file afterwards; the daemon
picks them up on restart.`,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().StringVar(&flagInstallAgentID, "agent-id", "", "Agent identity issued at pairing (env: VF_AGENT_ID)")
	installCmd.Flags().StringVar(&flagInstallName, "name", "", "Human-readable agent name")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	token := flagToken
	if token == "" {
		token = os.Getenv("VF_TOKEN")
	}
	url := flagURL
	if url == "" {
		url = os.Getenv("VF_URL")
	}
	agentID := flagInstallAgentID
	if agentID == "" {
		agentID = os.Getenv("VF_AGENT_ID")
	}

	if agentID == "" {
		return fmt.Errorf("--agent-id or VF_AGENT_ID is required")
	}
	if token == "" {
		return fmt.Errorf("--token or VF_TOKEN is required")
	}
	if url == "" {
		return fmt.Errorf("--url or VF_URL is required")
	}

	fmt.Println("Installing vf-agent...")

	err := install.Install(install.Options{
		AgentID:   agentID,
		AgentName: flagInstallName,
		URL:       url,
		Token:     token,
	})
	if err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	fmt.Println("vf-agent installed and running.")
	fmt.Printf("  Config: %s\n", install.Status().ConfigPath)
	fmt.Println("\nAdd hypervisor targets to the config, then: systemctl restart vf-agent")
	fmt.Println("Check status with: vf-agent status")
	return nil
}
