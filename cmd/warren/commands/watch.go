package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	dockerpkg "github.com/kestrelhq/warren/internal/docker"
	"github.com/kestrelhq/warren/internal/fleet"
	"github.com/kestrelhq/warren/internal/printer"
	"github.com/kestrelhq/warren/pkg/journal"
)

var (
	watchInstanceName string
	watchRunID        string
	watchRedisAddr    string
	watchOutputFormat string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor real-time workflow activity",
	Long: `Monitor real-time workflow progress for one run.

Streams expansion and evaluation events as they are journaled, providing
complete visibility into workflow execution.

Output Formats:
  default - Human-readable output with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch a run on a local instance
  warren watch --instance prod --run run-7

  # Point at Redis directly
  warren watch --redis localhost:6379 --run run-7

  # Export events as JSON
  warren watch --instance prod --run run-7 --output=json > events.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchInstanceName, "instance", "i", "", "Instance whose Redis to connect to")
	watchCmd.Flags().StringVarP(&watchRunID, "run", "r", "", "Run ID to watch")
	watchCmd.Flags().StringVar(&watchRedisAddr, "redis", "", "Redis address (overrides --instance discovery)")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if watchOutputFormat != "default" && watchOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	addr := watchRedisAddr
	if addr == "" {
		if watchInstanceName == "" {
			return printer.Error(
				"no Redis target",
				"Neither --redis nor --instance was given.",
				[]string{
					"Point at an instance:\n  warren watch --instance <name> --run <run>",
					"Or at Redis directly:\n  warren watch --redis localhost:6379 --run <run>",
				},
			)
		}
		cli, err := dockerpkg.NewClient(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()

		port, err := fleet.InstanceRedisPort(ctx, cli, watchInstanceName)
		if err != nil {
			return printer.Error(
				"Redis port not found",
				fmt.Sprintf("Instance '%s' exists but its Redis port could not be determined: %v", watchInstanceName, err),
				[]string{fmt.Sprintf("Restart the instance:\n  warren down --instance %s\n  warren up", watchInstanceName)},
			)
		}
		addr = fmt.Sprintf("localhost:%d", port)
	}

	client, err := journal.NewClient(&redis.Options{Addr: addr}, watchRunID)
	if err != nil {
		return fmt.Errorf("failed to create journal client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("Redis not accessible at %s: %w", addr, err)
	}

	sub, err := client.SubscribeWorkflowEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to workflow events: %w", err)
	}
	defer sub.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if watchOutputFormat == "default" {
		printer.Info("Watching run '%s' on %s (Ctrl-C to stop)\n", watchRunID, addr)
	}

	for {
		select {
		case <-sigCh:
			return nil
		case err, ok := <-sub.Errors():
			if ok && err != nil {
				printer.Warning("event decode error: %v\n", err)
			}
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			printEvent(event)
		}
	}
}

func printEvent(event *journal.Event) {
	if watchOutputFormat == "json" {
		data, err := json.Marshal(event)
		if err != nil {
			printer.Warning("failed to marshal event: %v\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}

	switch event.Kind {
	case journal.EventExpansion:
		e := event.Expansion
		ts := time.UnixMilli(e.CreatedAtMs).Format("15:04:05")
		if e.Error != "" {
			printer.Warning("[%s] expansion %s failed after %d attempt(s): %s\n", ts, e.ChildKey, e.Attempts, e.Error)
			return
		}
		printer.Info("[%s] expansion %s (action=%s, attempts=%d)\n", ts, e.ChildKey, e.Action, e.Attempts)
	case journal.EventEvaluation:
		e := event.Evaluation
		ts := time.UnixMilli(e.CreatedAtMs).Format("15:04:05")
		if e.Error != "" {
			printer.Warning("[%s] evaluation of %s failed: %s\n", ts, e.NodeKey, e.Error)
			return
		}
		printer.Info("[%s] evaluation %s (reward=%.3f, weight=%.2f)\n", ts, e.NodeKey, e.Reward, e.Weight)
	default:
		printer.Info("unknown event kind: %s\n", event.Kind)
	}
}
