package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/virtfleet-io/vf-agent/internal/router"
)

var flagTargetsJSON bool

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List configured hypervisor targets",
	Long: `List the hypervisor targets from the agent configuration. This is an
offline view: no hypervisor or control plane connection is made.`,
	RunE: runTargets,
}

func init() {
	targetsCmd.Flags().BoolVar(&flagTargetsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(targetsCmd)
}

func runTargets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt := router.New(cfg.Targets, cfg.ActiveTarget, nil)
	result, err := rt.Dispatch(context.Background(), "targets.list", nil)
	if err != nil {
		return err
	}
	infos, err := targetInfos(result)
	if err != nil {
		return err
	}

	if flagTargetsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Println("no targets configured")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tNODE\tACTIVE")
	for _, info := range infos {
		active := ""
		if info.Active {
			active = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, info.URL, info.Node, active)
	}
	return w.Flush()
}

// targetInfos extracts the listing out of a targets.list result.
func targetInfos(result map[string]any) ([]router.TargetInfo, error) {
	infos, ok := result["targets"].([]router.TargetInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected targets.list result shape: %T", result["targets"])
	}
	return infos, nil
}
