package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.Equal(t, ":8080", c.Coordinator.Listen)
	require.Equal(t, 300*time.Second, c.Coordinator.HeartbeatTimeout)
	require.Equal(t, 5, c.Coordinator.MaxTasksPerDevice)
	require.True(t, c.Coordinator.LoadBalancing)
	require.True(t, c.Coordinator.Affinity)
	require.Equal(t, 2, c.Worker.MaxConcurrentTasks)
	require.NoError(t, c.Validate())
}

func TestParse_OverridesOnlyGivenKeys(t *testing.T) {
	c := Default()
	doc := []byte(`
coordinator:
  listen: ":9000"
  heartbeat_timeout: 45s
  load_balancing: false
  snapshot:
    backend: redis
    namespace: lab
worker:
  tags: [gpu, lab]
  memory_gb: 16
`)
	require.NoError(t, Parse(doc, &c))
	require.Equal(t, ":9000", c.Coordinator.Listen)
	require.Equal(t, 45*time.Second, c.Coordinator.HeartbeatTimeout)
	require.False(t, c.Coordinator.LoadBalancing)
	require.True(t, c.Coordinator.Affinity, "untouched key keeps its default")
	require.Equal(t, "redis", c.Coordinator.Snapshot.Backend)
	require.Equal(t, "lab", c.Coordinator.Snapshot.Namespace)
	require.Equal(t, 30*time.Second, c.Coordinator.Snapshot.Interval)
	require.Equal(t, []string{"gpu", "lab"}, c.Worker.Tags)
	require.Equal(t, 16.0, c.Worker.MemoryGB)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	c := Default()
	err := Parse([]byte("coordinator:\n  listne: \":1\"\n"), &c)
	require.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	c := Default()
	require.NoError(t, Parse([]byte("  \n"), &c))
	require.Equal(t, Default().Coordinator, c.Coordinator)
}

func TestLoad_FileAndMissing(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "fleetq.yaml")
	require.NoError(t, os.WriteFile(p, []byte("worker:\n  device_id: phone-1\n"), 0o600))

	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "phone-1", c.Worker.DeviceID)

	_, err = Load(filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)

	c, err = Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Coordinator.Listen, c.Coordinator.Listen)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FLEETQ_LISTEN", ":7070")
	t.Setenv("FLEETQ_HEARTBEAT_TIMEOUT", "2m")
	t.Setenv("FLEETQ_MAX_TASKS_PER_DEVICE", "9")
	t.Setenv("FLEETQ_AUTO_RETRY", "yes")
	t.Setenv("FLEETQ_TAGS", "gpu, edge ,")
	t.Setenv("FLEETQ_MAX_CONCURRENT_TASKS", "not-a-number")

	c := Default()
	c.ApplyEnv()
	require.Equal(t, ":7070", c.Coordinator.Listen)
	require.Equal(t, 2*time.Minute, c.Coordinator.HeartbeatTimeout)
	require.Equal(t, 9, c.Coordinator.MaxTasksPerDevice)
	require.True(t, c.Coordinator.AutoRetry)
	require.Equal(t, []string{"gpu", "edge"}, c.Worker.Tags)
	require.Equal(t, 2, c.Worker.MaxConcurrentTasks, "bad value falls back")
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Coordinator.Snapshot.Backend = "s3"
	require.Error(t, c.Validate())
}
