package server

// ServerStats is a point-in-time snapshot of driver-level bookkeeping
// (connections, dropped background tasks, keyspace size). Nothing in the
// server itself calls Snapshot, and it is never surfaced to a client.
type ServerStats struct {
	Connections   int
	DroppedTasks  int64
	KeyspaceUsed  int
	KeyspaceBytes int64
}

// Snapshot reports the current connection count and keyspace size,
// the test-only introspection accessor promised alongside ROLE.
func (t *Threaded) Snapshot() ServerStats {
	ks := t.core.Keyspace.Stats()
	return ServerStats{
		Connections:   t.ConnectionCount(),
		DroppedTasks:  t.core.DroppedTasks(),
		KeyspaceUsed:  ks.Used,
		KeyspaceBytes: ks.UsedMemory,
	}
}
