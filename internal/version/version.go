// Package version tracks build metadata for the application.
package version

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Arch      string `json:"arch"`
}

var (
	info      = withRuntime(Info{Version: "dev"})
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application. Missing
// fields are filled from the embedded build info where possible.
func Set(v Info) {
	infoMutex.Lock()
	defer infoMutex.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	info = withRuntime(v)
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

func withRuntime(v Info) Info {
	v.GoVersion = runtime.Version()
	v.Arch = runtime.GOOS + "/" + runtime.GOARCH
	if v.Commit != "" {
		return v
	}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			v.Commit = setting.Value
		case "vcs.time":
			if v.BuildTime == "" {
				v.BuildTime = setting.Value
			}
		}
	}
	return v
}
