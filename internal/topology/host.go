package topology

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/tklauser/go-sysconf"
)

// Host summarises the processor as it identifies itself through CPUID.
type Host struct {
	Brand         string   `json:"brand"`
	Vendor        string   `json:"vendor"`
	Family        int      `json:"family"`
	Model         int      `json:"model"`
	PhysicalCores int      `json:"physical_cores"`
	LogicalCores  int      `json:"logical_cores"`
	Online        int      `json:"online"`
	BaseMHz       *float64 `json:"base_mhz"`
	BoostMHz      *float64 `json:"boost_mhz"`
	Hypervisor    bool     `json:"hypervisor"`
	Hybrid        bool     `json:"hybrid"`
}

var (
	hostOnce sync.Once
	host     Host
)

// Detect returns the host description. CPUID is only read once.
func Detect() Host {
	hostOnce.Do(func() {
		host = fromCPUInfo(cpuid.CPU)
		host.Online = LogicalCount()
	})
	return host
}

func fromCPUInfo(info cpuid.CPUInfo) Host {
	h := Host{
		Brand:         info.BrandName,
		Vendor:        info.VendorString,
		Family:        info.Family,
		Model:         info.Model,
		PhysicalCores: info.PhysicalCores,
		LogicalCores:  info.LogicalCores,
		Hypervisor:    info.Supports(cpuid.HYPERVISOR),
		Hybrid:        info.Supports(cpuid.HYBRID_CPU),
	}
	if info.Hz > 0 {
		h.BaseMHz = hzToMHz(info.Hz)
	}
	if info.BoostFreq > 0 {
		h.BoostMHz = hzToMHz(info.BoostFreq)
	}
	return h
}

// LogicalCount returns the number of online logical CPUs, which is also the
// default number of monitor threads.
func LogicalCount() int {
	n, err := sysconf.Sysconf(sysconf.SC_NPROCESSORS_ONLN)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return int(n)
}

func hzToMHz(hz int64) *float64 {
	mhz := float64(hz) / 1e6
	return &mhz
}
