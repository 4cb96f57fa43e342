package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	dockerpkg "github.com/kestrelhq/warren/internal/docker"
	"github.com/kestrelhq/warren/internal/fleet"
	"github.com/kestrelhq/warren/internal/printer"
)

var downInstanceName string

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop a Warren instance",
	Long: `Stop and remove all Docker resources associated with a Warren instance.

This includes:
  • All containers (Redis, agents)
  • Docker network

The command does not prompt for confirmation and executes immediately.

Examples:
  warren down --instance prod`,
	RunE: runDown,
}

func init() {
	downCmd.Flags().StringVarP(&downInstanceName, "instance", "i", "", "Target instance name")
	downCmd.MarkFlagRequired("instance")
	rootCmd.AddCommand(downCmd)
}

func runDown(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	// The run ID is irrelevant for teardown; Down matches on the instance
	// label alone.
	manager := fleet.NewManager(cli, downInstanceName, "")

	printer.Step("Stopping instance '%s'...\n", downInstanceName)
	if err := manager.Down(ctx); err != nil {
		return fmt.Errorf("failed to stop instance '%s': %w", downInstanceName, err)
	}

	printer.Success("Instance '%s' stopped\n", downInstanceName)
	return nil
}
