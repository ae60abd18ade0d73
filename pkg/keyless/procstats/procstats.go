// Package procstats reports the keyless-server process's own resource usage
// (CPU percent, resident memory) for inclusion in health/diagnostics output.
// It is a thin wrapper over gopsutil, which does the actual /proc (or
// platform-equivalent) reading.
package procstats

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is a point-in-time resource usage reading for the current process.
type Sample struct {
	CPUPercent  float64
	RSSBytes    uint64
	VMSizeBytes uint64
}

// Reporter samples the current process's own resource usage on demand.
type Reporter struct {
	proc *process.Process
}

// NewReporter binds a Reporter to the current process.
func NewReporter() (*Reporter, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("procstats: resolve self process: %w", err)
	}
	return &Reporter{proc: p}, nil
}

// Sample reads the current CPU and memory usage. CPUPercent is gopsutil's
// average CPU use over the whole life of the process, not a reading over the
// interval since the previous Sample.
func (r *Reporter) Sample() (Sample, error) {
	cpuPct, err := r.proc.CPUPercent()
	if err != nil {
		return Sample{}, fmt.Errorf("procstats: cpu percent: %w", err)
	}
	mem, err := r.proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("procstats: memory info: %w", err)
	}
	return Sample{
		CPUPercent:  cpuPct,
		RSSBytes:    mem.RSS,
		VMSizeBytes: mem.VMS,
	}, nil
}
