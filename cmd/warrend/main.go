package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/kestrelhq/warren/internal/checkpoint"
	"github.com/kestrelhq/warren/internal/config"
	"github.com/kestrelhq/warren/internal/daemon"
	dockerpkg "github.com/kestrelhq/warren/internal/docker"
	"github.com/kestrelhq/warren/internal/registry"
	"github.com/kestrelhq/warren/pkg/journal"
)

func main() {
	// 1. Locate and load configuration
	configPath := os.Getenv("WARREN_CONFIG")
	if configPath == "" {
		configPath = "warren.yml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", configPath, err)
		os.Exit(1)
	}

	// 2. Resolve the run ID; a fresh one is generated unless the operator
	// pins it for resuming an existing run's journal
	runID := os.Getenv("WARREN_RUN_ID")
	if runID == "" {
		runID = dockerpkg.GenerateRunID()
	}

	// 3. Create journal client
	redisAddr := cfg.Redis.Addr
	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Invalid REDIS_URL: %v\n", err)
			os.Exit(1)
		}
		redisAddr = opts.Addr
	}
	client, err := journal.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create journal client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	// 4. Verify Redis connectivity
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	// 5. Open the agent registry
	reg, err := registry.Open(cfg.Registry.Path, cfg.Registry.HeartbeatTimeout.Std())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to open registry: %v\n", err)
		os.Exit(1)
	}

	// 6. Build the checkpoint store per configuration
	var store checkpoint.Store
	switch cfg.Checkpoint.Store {
	case "file":
		store = checkpoint.NewFileStore(cfg.Checkpoint.Path)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		store, err = checkpoint.NewRedisStore(rdb, cfg.Instance)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to build Redis checkpoint store: %v\n", err)
			os.Exit(1)
		}
	case "bucket":
		bucket, err := checkpoint.NewDirBucket(cfg.Checkpoint.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to open checkpoint bucket: %v\n", err)
			os.Exit(1)
		}
		store = checkpoint.NewBucketStore(bucket, cfg.Instance)
	}
	manager := checkpoint.NewManager(store)

	d, err := daemon.New(daemon.Options{
		Instance:         cfg.Instance,
		Registry:         reg,
		Checkpoint:       manager,
		Journal:          client,
		SnapshotInterval: cfg.Checkpoint.Interval.Std(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to build daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Warren daemon starting for instance '%s' (run %s)\n", cfg.Instance, runID)

	// 7. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(runCtx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
		cancel()
		<-errCh
	case runErr := <-errCh:
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", runErr)
			os.Exit(1)
		}
	}

	fmt.Println("Warren daemon stopped")
}
