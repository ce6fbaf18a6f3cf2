package fleetq

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	ikeys "github.com/UniQw/fleetq/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() RegistrySnapshot {
	at := time.UnixMilli(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	return RegistrySnapshot{
		Devices: []Device{
			{ID: "b", Role: "worker", Platform: "android", Status: DeviceOffline, LastHeartbeat: at},
			{ID: "a", Role: "worker", Platform: "linux", Status: DeviceOnline, Capabilities: Capabilities{CPUCount: 8, Tags: []string{"gpu"}}, LastHeartbeat: at},
		},
		Heartbeats: []Heartbeat{
			{DeviceID: "a", Timestamp: at},
			{DeviceID: "a", Timestamp: at.Add(time.Second), Metrics: map[string]any{"cpu": 0.25}},
		},
		SavedAt: at,
	}
}

func TestRedisSnapshotStore_SaveLoad(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	store := NewRedisSnapshotStore(rdb, "lab")

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save(ctx, sampleSnapshot()))
	keys := ikeys.For("lab")
	require.True(t, s.Exists(keys.Devices))
	require.True(t, s.Exists(keys.Meta))
	list, err := s.List(keys.Heartbeats)
	require.NoError(t, err)
	require.Len(t, list, 2)

	snap, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", snap.Devices[0].ID)
	require.Equal(t, []string{"gpu"}, snap.Devices[0].Capabilities.Tags)
	require.Equal(t, DeviceOffline, snap.Devices[1].Status)
	require.Len(t, snap.Heartbeats, 2)
	require.Equal(t, 0.25, snap.Heartbeats[1].Metrics["cpu"])
	require.True(t, sampleSnapshot().SavedAt.Equal(snap.SavedAt))

	// a second save replaces the previous contents
	require.NoError(t, store.Save(ctx, RegistrySnapshot{Devices: []Device{{ID: "only"}}}))
	snap, ok, err = store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Devices, 1)
	require.Empty(t, snap.Heartbeats)
}

func TestFileSnapshotStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store := NewFileSnapshotStore(filepath.Join(t.TempDir(), "nested", "registry.json"))

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save(ctx, sampleSnapshot()))
	snap, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Devices, 2)
	require.Len(t, snap.Heartbeats, 2)
	require.True(t, sampleSnapshot().SavedAt.Equal(snap.SavedAt))
}

func TestScheduler_SnapshotRoundTripThroughRedis(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	store := NewRedisSnapshotStore(rdb, "")

	a, _ := newTestScheduler(SchedulerConfig{Snapshots: store})
	register(t, a, "d1", Capabilities{Platform: "linux"})
	a.UpdateDeviceHeartbeat("d1", map[string]any{"load": 1})
	require.NoError(t, a.SaveSnapshot(context.Background()))

	b, _ := newTestScheduler(SchedulerConfig{Snapshots: store})
	require.NoError(t, b.LoadSnapshot(context.Background()))
	d, ok := b.Registry().Get("d1")
	require.True(t, ok)
	require.Equal(t, "linux", d.Platform)
	require.Len(t, b.Registry().RecentHeartbeats("d1", 0), 1)
}
