package docker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/codeagent/pkg/sandbox"
	"github.com/nstogner/codeagent/pkg/sandbox/docker"
)

func setupManager(t *testing.T) (*docker.Manager, string) {
	t.Helper()
	// Check if DOCKER_HOST is set. If not, we skip.
	if os.Getenv("DOCKER_HOST") == "" {
		t.Skip("Skipping integration test: DOCKER_HOST not set")
	}

	workspace := t.TempDir()
	mgr, err := docker.New(docker.Config{
		Name:      "codeagent-test-" + uuid.New().String()[:8],
		Image:     "busybox:latest",
		Workspace: workspace,
		Timeout:   30 * time.Second,
	})
	if err != nil {
		t.Skipf("Skipping test: Docker not available or failed to init: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		mgr.Teardown(ctx)
		mgr.Close()
	})
	return mgr, workspace
}

func TestIntegration_ExecuteEchoFromAbsent(t *testing.T) {
	mgr, _ := setupManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res, err := mgr.Execute(ctx, "echo hi", 0)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, "", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, sandbox.StateRunning, mgr.State())

	res, err = mgr.Execute(ctx, "echo oops >&2; exit 3", 0)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
}

func TestIntegration_CrashRecoveryKeepsWorkspace(t *testing.T) {
	mgr, workspace := setupManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	_, err := mgr.Execute(ctx, "echo persisted > note.txt && echo scratch > /tmp/scratch.txt", 0)
	require.NoError(t, err)

	// Terminate the sandbox from outside the manager.
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.ContainerRemove(ctx, mgr.Config().Name, types.ContainerRemoveOptions{Force: true}))

	res, err := mgr.Execute(ctx, "cat note.txt; test -f /tmp/scratch.txt && echo survived || echo lost", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "persisted\nlost\n", res.Stdout)

	data, err := os.ReadFile(filepath.Join(workspace, "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "persisted\n", string(data))
}

func TestIntegration_TimeoutDetaches(t *testing.T) {
	mgr, _ := setupManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	_, err := mgr.Execute(ctx, "sleep 30", time.Second)
	assert.ErrorIs(t, err, sandbox.ErrTimeout)

	res, err := mgr.Execute(ctx, "echo still-alive", 0)
	require.NoError(t, err)
	assert.Equal(t, "still-alive\n", res.Stdout)
}
