package docker

import (
	"fmt"

	"github.com/google/uuid"
)

// Label keys used for Warren resources
const (
	LabelProject       = "warren.project"
	LabelInstanceName  = "warren.instance.name"
	LabelInstanceRunID = "warren.instance.run_id"
	LabelComponent     = "warren.component"
	LabelRedisPort     = "warren.redis.port"
	LabelAgentName     = "warren.agent.name"
	LabelAgentRegion   = "warren.agent.region"
)

// BuildLabels creates the standard label set for all Warren resources.
// All parameters are required except component (which is resource-specific).
func BuildLabels(instanceName, runID, component string) map[string]string {
	labels := map[string]string{
		LabelProject:       "true",
		LabelInstanceName:  instanceName,
		LabelInstanceRunID: runID,
	}

	if component != "" {
		labels[LabelComponent] = component
	}

	return labels
}

// GenerateRunID creates a new UUID for an instance run.
// Each invocation of `warren up` gets a unique run ID.
func GenerateRunID() string {
	return uuid.New().String()
}

// Resource naming conventions for Warren components

// NetworkName returns the Docker network name for an instance
func NetworkName(instanceName string) string {
	return fmt.Sprintf("warren-network-%s", instanceName)
}

// RedisContainerName returns the Redis container name for an instance
func RedisContainerName(instanceName string) string {
	return fmt.Sprintf("warren-redis-%s", instanceName)
}

// DaemonContainerName returns the daemon container name for an instance
func DaemonContainerName(instanceName string) string {
	return fmt.Sprintf("warren-daemon-%s", instanceName)
}

// AgentContainerName returns the agent container name for an instance and agent
func AgentContainerName(instanceName, agentName string) string {
	return fmt.Sprintf("warren-agent-%s-%s", instanceName, agentName)
}
