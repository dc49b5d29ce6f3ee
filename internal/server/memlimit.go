package server

import (
	"os"
	"strconv"
	"strings"
)

// detectCgroupMemoryLimit returns the container memory limit in bytes, read
// from the cgroup filesystem, so an unconfigured maxMemory can default to a
// safe fraction of what the container actually has rather than growing
// unbounded until the OOM killer steps in.
//
// Tries cgroup v2 first (/sys/fs/cgroup/memory.max), then falls back to
// cgroup v1 (/sys/fs/cgroup/memory/memory.limit_in_bytes). Returns 0 with a
// nil error when neither file exists or cgroup v2 reports "max" — callers
// treat 0 as "no default, leave maxMemory at 0". An unconstrained cgroup v1
// group reports a very large number, which is returned as-is.
func detectCgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		return strconv.ParseInt(limitStr, 10, 64)
	}

	return 0, nil
}

// defaultMaxMemoryFraction is how much of a detected cgroup limit the
// keyspace is allowed to claim; the remainder covers the Go runtime,
// goroutine stacks, and connection buffers.
const defaultMaxMemoryFraction = 0.6

// DefaultMaxMemory detects a containerized memory limit and returns the
// keyspace budget derived from it. The configuration file has no
// maxmemory key; NewCore always uses this value. Returns 0 (unlimited)
// when no limit can be detected.
func DefaultMaxMemory() int64 {
	limit, err := detectCgroupMemoryLimit()
	if err != nil || limit <= 0 {
		return 0
	}
	return int64(float64(limit) * defaultMaxMemoryFraction)
}
