package process

import (
	"sort"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Alive reports whether pid names a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if st, err := p.Status(); err == nil {
		for _, s := range st {
			if s == gopsproc.Zombie {
				return false
			}
		}
	}
	return true
}

// Descendants lists every transitive child of pid, deepest last.
func Descendants(pid int) []int {
	if pid <= 0 {
		return nil
	}
	var out []int
	seen := map[int32]bool{int32(pid): true}
	queue := []int32{int32(pid)}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		p, err := gopsproc.NewProcess(cur)
		if err != nil {
			continue
		}
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, int(c.Pid))
			queue = append(queue, c.Pid)
		}
	}
	return out
}

// track records the leader's descendants every interval until it exits, so
// they can still be found once the leader is gone and nothing links them to
// its pid.
func (h *Handle) track(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		h.remember(Descendants(h.pid))
		select {
		case <-h.done:
			return
		case <-h.untrack:
			return
		case <-t.C:
		}
	}
}

func startTracking(h *Handle) { go h.track(trackInterval) }

// StopTracking ends descendant tracking; what was recorded is kept.
func (h *Handle) StopTracking() { h.stopOnce.Do(func() { close(h.untrack) }) }

// Settled marks the end of startup. Where a process group already holds the
// running service, tracking stops here.
func (h *Handle) Settled() {
	if !trackWhileRunning {
		h.StopTracking()
	}
}

func (h *Handle) remember(pids []int) {
	if len(pids) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tracked == nil {
		h.tracked = make(map[int]int64, len(pids))
	}
	for _, p := range pids {
		if _, ok := h.tracked[p]; !ok {
			h.tracked[p] = StartUnix(p)
		}
	}
}

// Tracked lists the descendants recorded while the leader was alive that
// are still running. A pid since reused by another process is left out.
func (h *Handle) Tracked() []int {
	h.mu.Lock()
	recs := make([]PIDRecord, 0, len(h.tracked))
	for p, st := range h.tracked {
		recs = append(recs, PIDRecord{PID: p, StartUnix: st})
	}
	h.mu.Unlock()
	out := make([]int, 0, len(recs))
	for _, rec := range recs {
		if rec.Owned() {
			out = append(out, rec.PID)
		}
	}
	sort.Ints(out)
	return out
}

// TreeAlive reports whether the leader's group or any tracked descendant is
// still running.
func (h *Handle) TreeAlive() bool {
	return GroupAlive(h.pid) || len(h.Tracked()) > 0
}
