package cmd

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMCPRun_RefusesWhileServeRunning(t *testing.T) {
	testEnv(t)
	require.NoError(t, pidFile().Write())

	err := mcpRun(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "town serve is running")
	assert.Contains(t, err.Error(), "/mcp")
	assert.NoFileExists(t, mcpPidFile().Path)
}

func TestMCPRun_RefusesSecondInstance(t *testing.T) {
	testEnv(t)
	require.NoError(t, mcpPidFile().WritePID(os.Getppid()))

	err := mcpRun(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another town mcp is running")
}

func TestServeRun_RefusesWhileMCPRunning(t *testing.T) {
	testEnv(t)
	require.NoError(t, mcpPidFile().WritePID(os.Getppid()))

	err := serveRun(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "town mcp is running")
	assert.NoFileExists(t, pidFile().Path)
}

func TestServeStartRun_RefusesWhileMCPRunning(t *testing.T) {
	testEnv(t)
	require.NoError(t, mcpPidFile().WritePID(os.Getppid()))

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "town mcp is running")
}
