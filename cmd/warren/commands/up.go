package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/warren/internal/config"
	dockerpkg "github.com/kestrelhq/warren/internal/docker"
	"github.com/kestrelhq/warren/internal/fleet"
	"github.com/kestrelhq/warren/internal/printer"
)

var (
	upConfigPath string
	upRedisImage string
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a Warren instance",
	Long: `Start a Warren instance from warren.yml.

Creates and starts:
  • Isolated Docker network
  • Redis container (journal storage)
  • One container per configured agent replica

Containers left behind by earlier runs of the same instance are removed
before the new fleet launches.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVarP(&upConfigPath, "config", "c", "warren.yml", "Path to warren.yml")
	upCmd.Flags().StringVar(&upRedisImage, "redis-image", "", "Override the Redis image")
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(upConfigPath)
	if err != nil {
		return printer.Error(
			"invalid configuration",
			fmt.Sprintf("Could not load %s: %v", upConfigPath, err),
			[]string{"Fix the configuration and retry: warren up"},
		)
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	runID := dockerpkg.GenerateRunID()
	manager := fleet.NewManager(cli, cfg.Instance, runID)

	removed, err := manager.ReconcileOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile previous run: %w", err)
	}
	if removed > 0 {
		printer.Info("Removed %d container(s) from previous runs\n", removed)
	}

	redisPort, err := fleet.FindNextAvailablePort(ctx, cli)
	if err != nil {
		return fmt.Errorf("failed to allocate Redis port: %w", err)
	}
	printer.Success("Allocated Redis port: %d\n", redisPort)

	if err := manager.EnsureNetwork(ctx); err != nil {
		return rollback(ctx, manager, err)
	}
	printer.Success("Created network: %s\n", manager.NetworkName())

	if _, err := manager.LaunchRedis(ctx, upRedisImage, redisPort); err != nil {
		return rollback(ctx, manager, err)
	}
	printer.Success("Started Redis container\n")

	for name, agent := range cfg.Agents {
		printer.Step("Launching agent '%s'...\n", name)
		if err := manager.LaunchAgent(ctx, name, agent); err != nil {
			return rollback(ctx, manager, err)
		}
	}

	printer.Success("Instance '%s' is up (%d agents)\n", cfg.Instance, len(cfg.Agents))
	printer.Info("\nNext steps:\n")
	printer.Info("  warren agents --config %s\n", upConfigPath)
	printer.Info("  warren watch --instance %s --run <run-id>\n", cfg.Instance)
	return nil
}

func rollback(ctx context.Context, manager *fleet.Manager, cause error) error {
	printer.Warning("Resource creation failed. Rolling back...\n")
	if err := manager.Down(ctx); err != nil {
		printer.Warning("rollback encountered errors: %v\n", err)
	}
	return fmt.Errorf("failed to create instance: %w", cause)
}
