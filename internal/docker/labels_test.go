package docker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBuildLabels(t *testing.T) {
	runID := "test-run-123"
	instanceName := "prod"

	labels := BuildLabels(instanceName, runID, "redis")

	assert.Equal(t, "true", labels[LabelProject])
	assert.Equal(t, instanceName, labels[LabelInstanceName])
	assert.Equal(t, runID, labels[LabelInstanceRunID])
	assert.Equal(t, "redis", labels[LabelComponent])
	assert.Len(t, labels, 4)
}

func TestBuildLabels_NoComponent(t *testing.T) {
	runID := "test-run-456"
	instanceName := "dev"

	labels := BuildLabels(instanceName, runID, "")

	assert.Equal(t, "true", labels[LabelProject])
	assert.Equal(t, instanceName, labels[LabelInstanceName])
	assert.Equal(t, runID, labels[LabelInstanceRunID])
	assert.NotContains(t, labels, LabelComponent)
	assert.Len(t, labels, 3)
}

func TestGenerateRunID(t *testing.T) {
	runID1 := GenerateRunID()
	runID2 := GenerateRunID()

	// Verify they are valid UUIDs
	_, err1 := uuid.Parse(runID1)
	assert.NoError(t, err1)

	_, err2 := uuid.Parse(runID2)
	assert.NoError(t, err2)

	// Verify they are different
	assert.NotEqual(t, runID1, runID2)
}

func TestNetworkName(t *testing.T) {
	testCases := []struct {
		instanceName string
		expected     string
	}{
		{"prod", "warren-network-prod"},
		{"dev", "warren-network-dev"},
		{"staging-1", "warren-network-staging-1"},
	}

	for _, tc := range testCases {
		result := NetworkName(tc.instanceName)
		assert.Equal(t, tc.expected, result)
	}
}

func TestRedisContainerName(t *testing.T) {
	testCases := []struct {
		instanceName string
		expected     string
	}{
		{"prod", "warren-redis-prod"},
		{"dev", "warren-redis-dev"},
		{"default-1", "warren-redis-default-1"},
	}

	for _, tc := range testCases {
		result := RedisContainerName(tc.instanceName)
		assert.Equal(t, tc.expected, result)
	}
}

func TestAgentContainerName(t *testing.T) {
	testCases := []struct {
		instanceName string
		agentName    string
		expected     string
	}{
		{"prod", "crawler", "warren-agent-prod-crawler"},
		{"dev", "scorer", "warren-agent-dev-scorer"},
	}

	for _, tc := range testCases {
		result := AgentContainerName(tc.instanceName, tc.agentName)
		assert.Equal(t, tc.expected, result)
	}
}
