package metrics

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of a process and its descendants.
type Usage struct {
	PID        int32     `json:"pid"`
	Processes  int       `json:"processes"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleTree sums CPU and memory over pid and every descendant, and records
// the result in the service gauges under name.
func SampleTree(name string, pid int) (Usage, error) {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("sample pid %d: %w", pid, err)
	}
	u := Usage{PID: root.Pid, Timestamp: time.Now()}
	procs := []*process.Process{root}
	for i := 0; i < len(procs); i++ {
		kids, err := procs[i].Children()
		if err == nil {
			procs = append(procs, kids...)
		}
	}
	for _, p := range procs {
		u.Processes++
		if c, err := p.CPUPercent(); err == nil {
			u.CPUPercent += c
		}
		if m, err := p.MemoryInfo(); err == nil && m != nil {
			u.MemoryRSS += m.RSS
		}
		if n, err := p.NumThreads(); err == nil {
			u.NumThreads += n
		}
	}
	u.MemoryMB = float64(u.MemoryRSS) / 1024 / 1024
	setUsage(name, u)
	return u, nil
}
