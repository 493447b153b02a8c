package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Flags
	flagToken    string
	flagURL      string
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "vf-agent",
	Short: "VirtFleet hypervisor execution agent",
	Long: `vf-agent is the on-premises execution agent for VirtFleet. It pairs with
the VirtFleet control plane, long-polls a per-agent command queue, and runs
the commands against local Proxmox hypervisors via their API or over SSH.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Agent authentication token (env: VF_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "VirtFleet control plane URL (env: VF_URL)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: /etc/vf-agent/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("vf-agent %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
