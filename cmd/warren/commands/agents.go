package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/warren/internal/config"
	"github.com/kestrelhq/warren/internal/printer"
	"github.com/kestrelhq/warren/internal/registry"
)

var agentsConfigPath string

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	Long: `List the agents known to the registry, with their status, region,
capabilities, and heartbeat lag.

Examples:
  warren agents
  warren agents --config deploy/warren.yml`,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().StringVarP(&agentsConfigPath, "config", "c", "warren.yml", "Path to warren.yml")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(agentsConfigPath)
	if err != nil {
		return printer.Error(
			"invalid configuration",
			fmt.Sprintf("Could not load %s: %v", agentsConfigPath, err),
			[]string{"Fix the configuration and retry: warren agents"},
		)
	}

	timeout := cfg.Registry.HeartbeatTimeout.Std()
	reg, err := registry.Open(cfg.Registry.Path, timeout)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer reg.Close()

	agents := reg.List()
	if len(agents) == 0 {
		printer.Info("No agents registered.\n")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tREGION\tCAPABILITIES\tSTAKE\tLAG")
	for _, a := range agents {
		lag := time.Duration(a.HeartbeatLagMs) * time.Millisecond
		if a.LastHeartbeat.IsZero() {
			lag = -1
		}
		stake := fmt.Sprintf("%g %s", a.Stake.Amount, a.Stake.Symbol)
		if a.Stake.Amount == 0 {
			stake = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID,
			printer.StatusLabel(string(a.Status)),
			orDash(a.Region),
			orDash(strings.Join(a.Capabilities, ",")),
			stake,
			printer.LagLabel(lag, timeout),
		)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
