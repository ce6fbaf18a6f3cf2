package keys

// Package keys centralizes Redis key construction for registry snapshots.
// It is kept in internal to avoid leaking key formats to public API.

// Snapshot holds all precomputed keys for one snapshot namespace.
// The hash tag keeps every key of a namespace on the same cluster slot so
// a snapshot can be written in one MULTI/EXEC.
type Snapshot struct {
	// Devices is a HASH of device id -> device JSON.
	Devices string
	// Heartbeats is a LIST of heartbeat JSON, oldest first.
	Heartbeats string
	// Meta is a HASH with snapshot bookkeeping (saved_at in unix millis).
	Meta string
}

// For returns the snapshot keys for the provided namespace.
func For(ns string) Snapshot {
	return Snapshot{
		Devices:    Devices(ns),
		Heartbeats: Heartbeats(ns),
		Meta:       Meta(ns),
	}
}

func Devices(ns string) string    { return prefix(ns) + "devices" }
func Heartbeats(ns string) string { return prefix(ns) + "heartbeats" }
func Meta(ns string) string       { return prefix(ns) + "meta" }

func prefix(ns string) string { return "fleetq:{" + ns + "}:" }
