package cpustat

import "time"

// Snapshot is one /proc/stat scan converted into utilisation since the
// previous scan.
type Snapshot struct {
	Timestamp time.Time  `json:"ts"`
	Total     *float64   `json:"busy_pct"`
	Cores     []CoreLoad `json:"cores"`
}

// CoreLoad summarises the utilisation of one logical CPU. Percentages are nil
// on the first scan and whenever the counters did not advance.
type CoreLoad struct {
	CPU         int      `json:"cpu"`
	BusyPct     *float64 `json:"busy_pct"`
	IOWaitPct   *float64 `json:"iowait_pct"`
	BusySeconds float64  `json:"busy_seconds"`
}

// Core returns the load entry for a logical CPU id.
func (s Snapshot) Core(cpu int) (CoreLoad, bool) {
	for _, core := range s.Cores {
		if core.CPU == cpu {
			return core, true
		}
	}
	return CoreLoad{}, false
}
