package cmd

import (
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/virtfleet-io/vf-agent/internal/audit"
	"github.com/virtfleet-io/vf-agent/internal/config"
	"github.com/virtfleet-io/vf-agent/internal/controlplane"
	"github.com/virtfleet-io/vf-agent/internal/dispatch"
	"github.com/virtfleet-io/vf-agent/internal/hypervisor"
	"github.com/virtfleet-io/vf-agent/internal/logging"
	"github.com/virtfleet-io/vf-agent/internal/router"
)

var flagInsecureTLS bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the agent's dispatch loop",
	Long: `Run vf-agent as a daemon: heartbeat the VirtFleet control plane, long-poll
the per-agent command queue, and execute queued commands against the
configured hypervisor targets.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&flagInsecureTLS, "insecure-tls", false, "Skip TLS verification for hypervisor APIs (self-signed certs)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// A .env next to the binary feeds the same VF_* variables the
	// environment would; convenient for lab installs.
	godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel)
	log := logging.Component("daemon")

	cache := hypervisor.NewSessionCache()
	hv := hypervisor.NewClient(cache, flagInsecureTLS)
	rt := router.New(cfg.Targets, cfg.ActiveTarget, hv)
	cp := controlplane.NewClient(cfg.ControlPlane.URL, cfg.ControlPlane.Token)

	loop := dispatch.New(cp, rt, cfg.AgentID, cfg.AgentName, rootCmd.Version,
		func(status dispatch.Status, detail string) {
			if detail != "" {
				log.Info("agent status changed", "status", status, "detail", detail)
				return
			}
			log.Info("agent status changed", "status", status)
		})

	if trail, err := audit.Open(cfg.AuditLog); err != nil {
		log.Warn("audit trail unavailable", "error", err)
	} else {
		defer trail.Close()
		loop.SetAudit(trail)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting", "agent_id", cfg.AgentID, "version", rootCmd.Version,
		"targets", len(cfg.Targets))
	loop.Start(ctx)

	<-ctx.Done()
	log.Info("shutting down")
	loop.Stop()
	loop.Wait()
	return nil
}

// loadConfig reads the config file and folds the CLI flags on top. Flags
// beat both file and environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagURL != "" {
		cfg.ControlPlane.URL = flagURL
	}
	if flagToken != "" {
		cfg.ControlPlane.Token = flagToken
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}
