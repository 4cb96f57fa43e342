package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
)

// pingTimeout bounds the startup probe so a wedged daemon socket fails fast
// instead of hanging the CLI.
const pingTimeout = 5 * time.Second

// NewClient builds a Docker API client from the environment and probes the
// daemon once. Warren drives the whole agent fleet through Docker, so an
// unreachable daemon is an immediate, actionable error rather than something
// discovered halfway through a launch.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf(`Docker daemon not reachable: %w

Warren manages agent containers through Docker. Start the daemon, or point
DOCKER_HOST at a reachable one, then retry 'warren up'`, err)
	}

	return cli, nil
}
