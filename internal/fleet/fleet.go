// Package fleet manages the Docker lifecycle of warren agent containers:
// the per-instance network, the Redis backend, and one container per
// configured agent replica, all tagged with warren labels so they can be
// found, reconciled, and torn down later.
package fleet

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/kestrelhq/warren/internal/config"
	dockerpkg "github.com/kestrelhq/warren/internal/docker"
)

const stopTimeoutSeconds = 10

// AgentContainer describes one running agent container.
type AgentContainer struct {
	ContainerID string
	Name        string
	AgentName   string
	Region      string
	State       string
	LaunchedAt  time.Time
}

// Manager owns the Docker resources of one warren instance.
type Manager struct {
	cli          *client.Client
	instanceName string
	runID        string
	networkName  string
	redisName    string

	mu     sync.RWMutex
	active map[string]*AgentContainer // key: container_id
}

// NewManager creates a fleet manager for one instance run.
func NewManager(cli *client.Client, instanceName, runID string) *Manager {
	return &Manager{
		cli:          cli,
		instanceName: instanceName,
		runID:        runID,
		networkName:  dockerpkg.NetworkName(instanceName),
		redisName:    dockerpkg.RedisContainerName(instanceName),
		active:       make(map[string]*AgentContainer),
	}
}

// NetworkName returns the instance's Docker network name.
func (m *Manager) NetworkName() string {
	return m.networkName
}

// EnsureNetwork creates the instance's isolated bridge network.
func (m *Manager) EnsureNetwork(ctx context.Context) error {
	labels := dockerpkg.BuildLabels(m.instanceName, m.runID, "")
	_, err := m.cli.NetworkCreate(ctx, m.networkName, types.NetworkCreate{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return fmt.Errorf("failed to create network '%s': %w", m.networkName, err)
	}
	return nil
}

// LaunchRedis starts the instance's Redis container, publishing it on the
// given loopback port.
func (m *Manager) LaunchRedis(ctx context.Context, image string, hostPort int) (string, error) {
	if image == "" {
		image = "redis:7-alpine"
	}
	labels := dockerpkg.BuildLabels(m.instanceName, m.runID, "redis")
	labels[dockerpkg.LabelRedisPort] = fmt.Sprintf("%d", hostPort)

	resp, err := m.cli.ContainerCreate(ctx, &container.Config{
		Image:  image,
		Labels: labels,
		ExposedPorts: nat.PortSet{
			"6379/tcp": struct{}{},
		},
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(m.networkName),
		PortBindings: nat.PortMap{
			"6379/tcp": []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: fmt.Sprintf("%d", hostPort),
				},
			},
		},
	}, nil, nil, m.redisName)
	if err != nil {
		return "", fmt.Errorf("failed to create Redis container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start Redis container: %w", err)
	}

	m.logEvent("redis_launched", map[string]interface{}{
		"container_id": resp.ID,
		"port":         hostPort,
	})
	return resp.ID, nil
}

// LaunchAgent creates and starts the containers for one configured agent,
// one per replica.
func (m *Manager) LaunchAgent(ctx context.Context, name string, agent config.Agent) error {
	replicas := 1
	if agent.Replicas != nil {
		replicas = *agent.Replicas
	}

	for i := 0; i < replicas; i++ {
		containerName := dockerpkg.AgentContainerName(m.instanceName, name)
		agentName := name
		if replicas > 1 {
			containerName = fmt.Sprintf("%s-%d", containerName, i+1)
			agentName = fmt.Sprintf("%s-%d", name, i+1)
		}
		if err := m.launchOne(ctx, containerName, agentName, agent); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) launchOne(ctx context.Context, containerName, agentName string, agent config.Agent) error {
	m.logEvent("agent_launching", map[string]interface{}{
		"container_name": containerName,
		"agent_name":     agentName,
	})

	labels := dockerpkg.BuildLabels(m.instanceName, m.runID, "agent")
	labels[dockerpkg.LabelAgentName] = agentName
	if agent.Region != "" {
		labels[dockerpkg.LabelAgentRegion] = agent.Region
	}

	env := buildAgentEnv(m.instanceName, m.redisName, agentName, agent)

	containerConfig := &container.Config{
		Image:  agent.Image,
		Cmd:    agent.Command,
		Env:    env,
		Labels: labels,
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(m.networkName),
		AutoRemove:  false, // Cleanup is managed explicitly for better tracking
	}

	resp, err := m.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return fmt.Errorf("failed to create agent container '%s': %w", containerName, err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start agent container '%s': %w", containerName, err)
	}

	m.mu.Lock()
	m.active[resp.ID] = &AgentContainer{
		ContainerID: resp.ID,
		Name:        containerName,
		AgentName:   agentName,
		Region:      agent.Region,
		State:       "running",
		LaunchedAt:  time.Now(),
	}
	m.mu.Unlock()

	m.logEvent("agent_launched", map[string]interface{}{
		"container_id":   resp.ID,
		"container_name": containerName,
		"agent_name":     agentName,
	})
	return nil
}

// StopAgent stops and removes every container of the named agent.
func (m *Manager) StopAgent(ctx context.Context, agentName string) error {
	containers, err := m.listLabeled(ctx, filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, m.instanceName)),
		filters.Arg("label", fmt.Sprintf("%s=%s", dockerpkg.LabelAgentName, agentName)),
	))
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		return fmt.Errorf("no containers found for agent '%s'", agentName)
	}

	for _, c := range containers {
		if err := m.removeContainer(ctx, c.ID); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.active, c.ID)
		m.mu.Unlock()
	}
	return nil
}

// ListAgents returns the instance's agent containers as seen by Docker.
func (m *Manager) ListAgents(ctx context.Context) ([]AgentContainer, error) {
	containers, err := m.listLabeled(ctx, filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, m.instanceName)),
		filters.Arg("label", fmt.Sprintf("%s=agent", dockerpkg.LabelComponent)),
	))
	if err != nil {
		return nil, err
	}

	out := make([]AgentContainer, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, AgentContainer{
			ContainerID: c.ID,
			Name:        name,
			AgentName:   c.Labels[dockerpkg.LabelAgentName],
			Region:      c.Labels[dockerpkg.LabelAgentRegion],
			State:       c.State,
			LaunchedAt:  time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

// ReconcileOrphans removes instance containers left behind by earlier runs.
// Containers tagged with the current run ID are kept.
func (m *Manager) ReconcileOrphans(ctx context.Context) (int, error) {
	containers, err := m.listLabeled(ctx, filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, m.instanceName)),
	))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range containers {
		if c.Labels[dockerpkg.LabelInstanceRunID] == m.runID {
			continue
		}
		if err := m.removeContainer(ctx, c.ID); err != nil {
			return removed, err
		}
		removed++
		m.logEvent("orphan_removed", map[string]interface{}{
			"container_id": c.ID,
			"run_id":       c.Labels[dockerpkg.LabelInstanceRunID],
		})
	}
	return removed, nil
}

// Down stops and removes every container of the instance, then the network.
func (m *Manager) Down(ctx context.Context) error {
	containers, err := m.listLabeled(ctx, filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", dockerpkg.LabelInstanceName, m.instanceName)),
	))
	if err != nil {
		return err
	}

	for _, c := range containers {
		if err := m.removeContainer(ctx, c.ID); err != nil {
			return err
		}
	}

	if err := m.cli.NetworkRemove(ctx, m.networkName); err != nil {
		return fmt.Errorf("failed to remove network '%s': %w", m.networkName, err)
	}

	m.mu.Lock()
	m.active = make(map[string]*AgentContainer)
	m.mu.Unlock()
	return nil
}

func (m *Manager) listLabeled(ctx context.Context, args filters.Args) ([]types.Container, error) {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return containers, nil
}

func (m *Manager) removeContainer(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := m.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		log.Printf("[Fleet] Failed to stop container %s: %v", id, err)
	}
	if err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// buildAgentEnv assembles the environment an agent container starts with.
// Config-supplied variables come last so they can override the defaults.
func buildAgentEnv(instanceName, redisName, agentName string, agent config.Agent) []string {
	env := []string{
		fmt.Sprintf("WARREN_INSTANCE_NAME=%s", instanceName),
		fmt.Sprintf("WARREN_AGENT_NAME=%s", agentName),
		fmt.Sprintf("REDIS_URL=redis://%s:6379", redisName),
	}
	if agent.Region != "" {
		env = append(env, fmt.Sprintf("WARREN_AGENT_REGION=%s", agent.Region))
	}
	if len(agent.Capabilities) > 0 {
		env = append(env, fmt.Sprintf("WARREN_AGENT_CAPABILITIES=%s", strings.Join(agent.Capabilities, ",")))
	}
	return append(env, agent.Environment...)
}

// logEvent logs structured fleet events
func (m *Manager) logEvent(event string, data map[string]interface{}) {
	log.Printf("[Fleet] event=%s %v", event, data)
}
