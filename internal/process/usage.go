package process

import (
	"time"

	"github.com/pkg/errors"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource snapshot of a running process and its descendants.
type Usage struct {
	PID        int       `json:"pid"`
	CreatedAt  time.Time `json:"created_at"`
	CPUPercent float64   `json:"cpu_percent"`
	RSS        uint64    `json:"rss_bytes"`
	VMS        uint64    `json:"vms_bytes"`
	Threads    int32     `json:"threads"`
	Children   int       `json:"children"`
	// TreeRSS adds the resident memory of every descendant.
	TreeRSS uint64 `json:"tree_rss_bytes"`
}

// ErrNoProcess is returned when pid does not name a live process.
var ErrNoProcess = errors.New("no such process")

// ReadUsage samples pid. Descendants that exit while being walked are skipped.
func ReadUsage(pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, errors.Wrapf(ErrNoProcess, "pid %d", pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, errors.Wrapf(ErrNoProcess, "pid %d: %v", pid, err)
	}
	u := Usage{PID: pid}
	if ms, err := p.CreateTime(); err == nil && ms > 0 {
		u.CreatedAt = time.UnixMilli(ms)
	}
	if pct, err := p.CPUPercent(); err == nil {
		u.CPUPercent = pct
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, errors.Wrapf(err, "memory of pid %d", pid)
	}
	u.RSS, u.VMS, u.TreeRSS = mem.RSS, mem.VMS, mem.RSS
	if n, err := p.NumThreads(); err == nil {
		u.Threads = n
	}

	queue := children(p)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		m, err := c.MemoryInfo()
		if err != nil {
			continue
		}
		u.Children++
		u.TreeRSS += m.RSS
		queue = append(queue, children(c)...)
	}
	return u, nil
}

func children(p *gopsproc.Process) []*gopsproc.Process {
	cs, err := p.Children()
	if err != nil {
		return nil
	}
	return cs
}
