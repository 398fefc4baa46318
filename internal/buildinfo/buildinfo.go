package buildinfo

import (
	"runtime/debug"
	"time"
)

// Set via -ldflags at build time
var (
	BuildVersion string // release tag
	BuildTime    string // when the binary was compiled
	CommitHash   string // short git commit hash
)

// StartTime is recorded when the process starts
var StartTime = time.Now().UTC().Format(time.RFC3339)

// Version returns the release tag, falling back to the module version and
// VCS revision stamped by the Go toolchain.
func Version() string {
	if BuildVersion != "" {
		return BuildVersion
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	version := info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	if CommitHash != "" {
		return version + "+" + CommitHash
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return version + "+" + s.Value[:7]
		}
	}
	return version
}
