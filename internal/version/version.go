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
	NVML      string `json:"nvml_module,omitempty"`
}

const nvmlModule = "github.com/NVIDIA/go-nvml"

var (
	info      = Info{Version: "dev", GoVersion: runtime.Version()}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application. The Go
// toolchain and binding module versions are filled in from build info.
func Set(v Info) {
	infoMutex.Lock()
	defer infoMutex.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	if v.GoVersion == "" {
		v.GoVersion = runtime.Version()
	}
	if v.NVML == "" {
		v.NVML = moduleVersion(nvmlModule)
	}
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

func moduleVersion(path string) string {
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, dep := range build.Deps {
		if dep.Path == path {
			return dep.Version
		}
	}
	return ""
}
