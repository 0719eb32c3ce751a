package sampler

import "time"

// Snapshot is the published result of one sampling round across all cores.
type Snapshot struct {
	Timestamp time.Time    `json:"ts"`
	Round     uint64       `json:"round"`
	Cores     []CoreSample `json:"cores"`
}

// CoreSample is the per-core part of a Snapshot. Pointer fields serialize as
// null when unavailable; MHz is null whenever the round was invalid for the
// core.
type CoreSample struct {
	Index       int      `json:"index"`
	MHz         *float64 `json:"mhz"`
	CoreID      *int     `json:"core_id"`
	Pinned      bool     `json:"pinned"`
	Valid       bool     `json:"valid"`
	Error       string   `json:"error,omitempty"`
	ReportedMHz *float64 `json:"reported_mhz"`
}

func newSnapshot(now time.Time, round uint64, results []ThreadResult) Snapshot {
	cores := make([]CoreSample, len(results))
	for i, result := range results {
		core := CoreSample{
			Index:  i,
			Pinned: result.Pinned,
			Valid:  result.Valid(),
		}
		if result.CoreID != nil {
			core.CoreID = intPtr(*result.CoreID)
		}
		if result.Valid() {
			core.MHz = float64Ptr(result.MHz)
		} else {
			core.Error = result.Err.Error()
		}
		cores[i] = core
	}
	return Snapshot{
		Timestamp: now.UTC(),
		Round:     round,
		Cores:     cores,
	}
}

// Core returns the sample for the given index.
func (s Snapshot) Core(index int) (CoreSample, bool) {
	if index < 0 || index >= len(s.Cores) {
		return CoreSample{}, false
	}
	return s.Cores[index], true
}

func float64Ptr(value float64) *float64 {
	v := value
	return &v
}

func intPtr(value int) *int {
	v := value
	return &v
}
