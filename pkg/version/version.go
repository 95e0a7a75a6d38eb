// Package version reports the fleetradar build. Release builds inject the
// values with -ldflags "-X github.com/carverauto/fleetradar/pkg/version.version=...".
package version

import (
	"runtime/debug"
	"sync"
)

//nolint:gochecknoglobals // set via ldflags
var (
	version = "dev"
	buildID = ""
)

var resolveBuildID = sync.OnceValue(func() string {
	if buildID != "" {
		return buildID
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	revision, modified := "", false

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}

	if revision == "" {
		return "unknown"
	}

	if len(revision) > 12 {
		revision = revision[:12]
	}

	if modified {
		revision += "-dirty"
	}

	return revision
})

// GetVersion returns the release version, "dev" for local builds.
func GetVersion() string {
	return version
}

// GetBuildID returns the injected build ID, falling back to the VCS revision
// recorded by the Go toolchain.
func GetBuildID() string {
	return resolveBuildID()
}

// GetFullVersion returns version with build ID
func GetFullVersion() string {
	return "fleetradar " + version + " (build: " + GetBuildID() + ")"
}
