package runtime

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/process"
)

// resourceTracker samples process CPU and memory for the status endpoint.
type resourceTracker struct {
	mu   sync.Mutex
	proc *process.Process
}

func newResourceTracker() *resourceTracker {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &resourceTracker{}
	}
	return &resourceTracker{proc: proc}
}

// Snapshot reports CPU usage since the previous call, so the first sample
// of a tracker reads zero. Fields the platform cannot report stay zero.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	if r.proc == nil {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		usage.MemoryBytes = mem.Sys
		return usage
	}
	if pct, err := r.proc.Percent(0); err == nil {
		usage.CPUPercent = pct
	}
	if info, err := r.proc.MemoryInfo(); err == nil {
		usage.MemoryBytes = info.RSS
	}
	return usage
}
