// Package host reports the hypervisor host's capacity so callers can tell
// whether an instance fits before starting it.
package host

import "context"

// Capacity is a point-in-time snapshot of host resources.
type Capacity struct {
	CPUs              int     `json:"cpus"`
	CPUUsagePercent   float64 `json:"cpu_usage_percent"`
	MemTotalBytes     uint64  `json:"mem_total_bytes"`
	MemAvailableBytes uint64  `json:"mem_available_bytes"`
}

// Reader produces Capacity snapshots.
type Reader interface {
	Capacity(ctx context.Context) (*Capacity, error)
}

// Fit compares an instance's demand with a snapshot.
type Fit struct {
	Instance    string `json:"instance"`
	CPUs        int    `json:"cpus"`
	MemoryBytes uint64 `json:"memory_bytes"`
	Fits        bool   `json:"fits"`
	Reason      string `json:"reason,omitempty"`
}
