package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
)

// ProcReader reads capacity from a proc filesystem.
type ProcReader struct {
	fs procfs.FS
}

var _ Reader = (*ProcReader)(nil)

// NewProcReader returns a reader rooted at procPath (normally /proc).
func NewProcReader(procPath string) (*ProcReader, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("open proc filesystem %q: %w", procPath, err)
	}
	return &ProcReader{fs: fs}, nil
}

// Capacity reads the stat and meminfo files.
func (r *ProcReader) Capacity(ctx context.Context) (*Capacity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stat, err := r.fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("read cpu stat: %w", err)
	}
	usage, err := cpuUsagePercent(stat.CPUTotal)
	if err != nil {
		return nil, fmt.Errorf("read cpu stat: %w", err)
	}

	mem, err := r.fs.Meminfo()
	if err != nil {
		return nil, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotalBytes == nil {
		return nil, errors.New("read meminfo: no MemTotal")
	}

	c := &Capacity{
		CPUs:            len(stat.CPU),
		CPUUsagePercent: usage,
		MemTotalBytes:   *mem.MemTotalBytes,
	}
	if mem.MemAvailableBytes != nil {
		c.MemAvailableBytes = *mem.MemAvailableBytes
	}
	return c, nil
}

// cpuUsagePercent is the non-idle share of the aggregate CPU time since boot.
// Guest time is already counted in user time.
func cpuUsagePercent(s procfs.CPUStat) (float64, error) {
	total := s.User + s.Nice + s.System + s.Idle + s.Iowait + s.IRQ + s.SoftIRQ + s.Steal
	if total <= 0 {
		return 0, errors.New("no aggregate cpu time")
	}
	return (total - s.Idle) / total * 100, nil
}

// Check reports whether an instance needing cpus and memoryBytes fits c.
func (c *Capacity) Check(instance string, cpus int, memoryBytes uint64) Fit {
	fit := Fit{Instance: instance, CPUs: cpus, MemoryBytes: memoryBytes, Fits: true}
	switch {
	case cpus > c.CPUs:
		fit.Fits = false
		fit.Reason = fmt.Sprintf("needs %d CPUs, host has %d", cpus, c.CPUs)
	case memoryBytes > c.MemAvailableBytes:
		fit.Fits = false
		fit.Reason = fmt.Sprintf("needs %d bytes of memory, %d available", memoryBytes, c.MemAvailableBytes)
	}
	return fit
}
