package fleet

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	dockerpkg "github.com/kestrelhq/warren/internal/docker"
)

const (
	// Port range for Redis containers (allows 100 concurrent instances)
	startPort = 6379
	endPort   = 6478
)

// FindNextAvailablePort finds the next available port for Redis, starting
// from 6379. Checks both Docker container labels and actual port bindability
// on the host.
func FindNextAvailablePort(ctx context.Context, cli *client.Client) (int, error) {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=true", dockerpkg.LabelProject))
	filter.Add("label", fmt.Sprintf("%s=redis", dockerpkg.LabelComponent))

	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query Docker containers: %w", err)
	}

	usedPorts := make(map[int]bool)
	for _, c := range containers {
		if portStr, ok := c.Labels[dockerpkg.LabelRedisPort]; ok {
			if port, err := strconv.Atoi(portStr); err == nil {
				usedPorts[port] = true
			}
		}
	}

	for port := startPort; port <= endPort; port++ {
		if usedPorts[port] {
			continue
		}
		if isPortBindable(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available Redis ports (range %d-%d exhausted)", startPort, endPort)
}

// InstanceRedisPort looks up the published Redis port of a running instance
// from its container label.
func InstanceRedisPort(ctx context.Context, cli *client.Client, instanceName string) (int, error) {
	filter := filters.NewArgs()
	filter.Add("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, instanceName))
	filter.Add("label", fmt.Sprintf("%s=redis", dockerpkg.LabelComponent))

	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return 0, fmt.Errorf("Redis container not found for instance '%s'", instanceName)
	}

	portStr, ok := containers[0].Labels[dockerpkg.LabelRedisPort]
	if !ok {
		return 0, fmt.Errorf("Redis port label missing for instance '%s'", instanceName)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid Redis port '%s': %w", portStr, err)
	}
	return port, nil
}

// isPortBindable checks if a port can be bound on localhost.
func isPortBindable(port int) bool {
	addr := fmt.Sprintf("localhost:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
