package fleetq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	ikeys "github.com/UniQw/fleetq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// DefaultSnapshotHeartbeats is how many recent heartbeats a snapshot keeps.
const DefaultSnapshotHeartbeats = 100

// SnapshotStore persists registry snapshots. Load reports false when no
// snapshot has been saved yet.
type SnapshotStore interface {
	Save(ctx context.Context, s RegistrySnapshot) error
	Load(ctx context.Context) (RegistrySnapshot, bool, error)
}

// RedisSnapshotStore keeps the snapshot in three keys under one hash-tagged
// namespace: a HASH of devices, a LIST of heartbeats and a meta HASH.
// Save replaces all three in a single MULTI/EXEC.
type RedisSnapshotStore struct {
	rdb     redis.UniversalClient
	keys    ikeys.Snapshot
	encoder Encoder
}

// NewRedisSnapshotStore creates a store under namespace ns ("default" when empty).
func NewRedisSnapshotStore(rdb redis.UniversalClient, ns string) *RedisSnapshotStore {
	if ns == "" {
		ns = "default"
	}
	return &RedisSnapshotStore{rdb: rdb, keys: ikeys.For(ns), encoder: &JSONEncoder{}}
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snap RegistrySnapshot) error {
	devices := make(map[string]any, len(snap.Devices))
	for i := range snap.Devices {
		raw, err := s.encoder.Encode(snap.Devices[i])
		if err != nil {
			return fmt.Errorf("encode device %s: %w", snap.Devices[i].ID, err)
		}
		devices[snap.Devices[i].ID] = raw
	}
	beats := make([]any, 0, len(snap.Heartbeats))
	for _, h := range snap.Heartbeats {
		raw, err := s.encoder.Encode(h)
		if err != nil {
			return fmt.Errorf("encode heartbeat: %w", err)
		}
		beats = append(beats, raw)
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.keys.Devices, s.keys.Heartbeats)
		if len(devices) > 0 {
			p.HSet(ctx, s.keys.Devices, devices)
		}
		if len(beats) > 0 {
			p.RPush(ctx, s.keys.Heartbeats, beats...)
		}
		p.HSet(ctx, s.keys.Meta,
			"saved_at", strconv.FormatInt(savedAt.UnixMilli(), 10),
			"devices", len(devices),
			"heartbeats", len(beats),
		)
		return nil
	})
	return err
}

func (s *RedisSnapshotStore) Load(ctx context.Context) (RegistrySnapshot, bool, error) {
	var snap RegistrySnapshot
	meta, err := s.rdb.HGetAll(ctx, s.keys.Meta).Result()
	if err != nil {
		return snap, false, err
	}
	if len(meta) == 0 {
		return snap, false, nil
	}
	if ms, perr := strconv.ParseInt(meta["saved_at"], 10, 64); perr == nil {
		snap.SavedAt = time.UnixMilli(ms)
	}

	devs, err := s.rdb.HGetAll(ctx, s.keys.Devices).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return snap, false, err
	}
	for id, raw := range devs {
		var d Device
		if err := s.encoder.Decode([]byte(raw), &d); err != nil {
			return snap, false, fmt.Errorf("decode device %s: %w", id, err)
		}
		snap.Devices = append(snap.Devices, d)
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })

	beats, err := s.rdb.LRange(ctx, s.keys.Heartbeats, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return snap, false, err
	}
	for _, raw := range beats {
		var h Heartbeat
		if err := s.encoder.Decode([]byte(raw), &h); err != nil {
			return snap, false, fmt.Errorf("decode heartbeat: %w", err)
		}
		snap.Heartbeats = append(snap.Heartbeats, h)
	}
	return snap, true, nil
}

// FileSnapshotStore writes the snapshot as one JSON document. Writes go to a
// temporary file in the same directory and are renamed into place.
type FileSnapshotStore struct {
	path    string
	encoder Encoder
}

func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path, encoder: &JSONEncoder{}}
}

func (s *FileSnapshotStore) Save(_ context.Context, snap RegistrySnapshot) error {
	raw, err := s.encoder.Encode(snap)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileSnapshotStore) Load(_ context.Context) (RegistrySnapshot, bool, error) {
	var snap RegistrySnapshot
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, err
	}
	if err := s.encoder.Decode(raw, &snap); err != nil {
		return snap, false, fmt.Errorf("decode snapshot %s: %w", s.path, err)
	}
	return snap, true, nil
}
