// Package versions reports build information injected at link time.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set through -ldflags "-X github.com/stacklok/toolhive-mlsync/internal/versions.Version=..."
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

// VersionInfo describes the running binary
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the link-time values, filling the commit and build date
// from the embedded VCS stamp when they were not set
func GetVersionInfo() VersionInfo {
	info := VersionInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildDate == "" {
					info.BuildDate = s.Value
				}
			}
		}
	}

	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.BuildDate == "" {
		info.BuildDate = "unknown"
	}
	return info
}
