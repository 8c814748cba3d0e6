package build

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	appMajor = 0
	appMinor = 1
	appPatch = 0
)

// These are set at link time with -ldflags "-X ...".
var (
	// Commit is the git describe output of the build.
	Commit string

	// CommitHash is the full commit hash of the build.
	CommitHash string

	// GoVersion is the Go version used for the build.
	GoVersion string

	// RawTags is the comma separated list of build tags.
	RawTags string
)

// Version returns the semantic version of the build.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}

// Tags returns the build tags.
func Tags() []string {
	if RawTags == "" {
		return nil
	}

	return strings.Split(RawTags, ",")
}

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if GoVersion == "" {
		GoVersion = info.GoVersion
	}
	if CommitHash != "" {
		return
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			CommitHash = s.Value
		}
	}
}
