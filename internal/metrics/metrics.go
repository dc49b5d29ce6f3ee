// Package metrics wraps the Prometheus counters and gauges CrimsonCache
// keeps in-process (spec §9 supplemented feature: keyspace size, replica
// count, replication offset, connection and expiry/autosave counters).
//
// Unlike global package-level vars registered in an init(), Collector is
// a plain struct built with its own registry, so a server and its tests
// can each own an independent set of metrics instead of fighting over
// prometheus.DefaultRegisterer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric CrimsonCache reports and the registry they
// are bound to. CommandsTotal, EvictedKeysTotal and DroppedTasksTotal are
// registered, but nothing in this repository increments them, so they
// stay at zero.
type Collector struct {
	registry *prometheus.Registry

	CommandsTotal       *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	KeyspaceKeys        prometheus.Gauge
	KeyspaceUsedMemory  prometheus.Gauge
	ReplicasConnected   prometheus.Gauge
	ReplicationOffset   prometheus.Gauge
	ExpiredKeysTotal    prometheus.Counter
	EvictedKeysTotal    prometheus.Counter
	SnapshotSavesTotal  *prometheus.CounterVec
	DroppedTasksTotal   prometheus.Counter
}

// New builds a Collector with a private registry and registers every
// metric against it at startup (MustRegister), scoped to CrimsonCache's
// own counters.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crimsoncache",
			Name:      "commands_total",
			Help:      "Total commands dispatched, by command name.",
		}, []string{"command"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crimsoncache",
			Name:      "connections_active",
			Help:      "Currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crimsoncache",
			Name:      "connections_total",
			Help:      "Total client connections accepted since startup.",
		}),
		KeyspaceKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crimsoncache",
			Name:      "keyspace_keys",
			Help:      "Number of keys currently stored.",
		}),
		KeyspaceUsedMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crimsoncache",
			Name:      "keyspace_used_memory_bytes",
			Help:      "Approximate bytes of value payload currently stored.",
		}),
		ReplicasConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crimsoncache",
			Name:      "replicas_connected",
			Help:      "Number of replicas currently attached to this primary.",
		}),
		ReplicationOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crimsoncache",
			Name:      "replication_offset",
			Help:      "Monotonic replication offset (bytes fed to replicas).",
		}),
		ExpiredKeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crimsoncache",
			Name:      "expired_keys_total",
			Help:      "Keys removed by the expiry sweeper since startup.",
		}),
		EvictedKeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crimsoncache",
			Name:      "evicted_keys_total",
			Help:      "Keys removed by LRU eviction since startup.",
		}),
		SnapshotSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crimsoncache",
			Name:      "snapshot_saves_total",
			Help:      "Completed CCDB snapshot writes, by trigger.",
		}, []string{"trigger"}),
		DroppedTasksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crimsoncache",
			Name:      "worker_pool_dropped_tasks_total",
			Help:      "Background tasks dropped because the worker pool queue was full.",
		}),
	}

	reg.MustRegister(
		c.CommandsTotal,
		c.ConnectionsActive,
		c.ConnectionsTotal,
		c.KeyspaceKeys,
		c.KeyspaceUsedMemory,
		c.ReplicasConnected,
		c.ReplicationOffset,
		c.ExpiredKeysTotal,
		c.EvictedKeysTotal,
		c.SnapshotSavesTotal,
		c.DroppedTasksTotal,
	)
	return c
}

// Handler returns the promhttp handler serving this Collector's registry.
// Nothing in this repository mounts it or calls it.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveKeyspace copies a keyspace.Stats-shaped snapshot into the
// keyspace gauges; called periodically by the background workers rather
// than on every command, to keep the hot path free of metrics work.
func (c *Collector) ObserveKeyspace(keys int, usedMemory int64) {
	c.KeyspaceKeys.Set(float64(keys))
	c.KeyspaceUsedMemory.Set(float64(usedMemory))
}

// ObserveReplication records the current replica count and offset.
func (c *Collector) ObserveReplication(replicas int, offset int64) {
	c.ReplicasConnected.Set(float64(replicas))
	c.ReplicationOffset.Set(float64(offset))
}
