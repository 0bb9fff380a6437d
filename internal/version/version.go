// Package version reports build information for the conductor binary.
package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
)

// Set at build time:
//
//	go build -ldflags "-X github.com/teranos/conductor/internal/version.Version=1.2.0 \
//	  -X github.com/teranos/conductor/internal/version.CommitHash=$(git rev-parse HEAD)"
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info is the build description printed by `conductor version`
type Info struct {
	Version    string `json:"version"`
	Tag        string `json:"tag"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current build information
func Get() Info {
	return Info{
		Version:    Version,
		Tag:        Tag(),
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Tag returns Version normalised to "vMAJOR.MINOR.PATCH", or "dev" for
// untagged builds
func Tag() string {
	v, err := semver.NewVersion(Version)
	if err != nil {
		return "dev"
	}
	return "v" + v.String()
}

func (i Info) String() string {
	return fmt.Sprintf("conductor %s (commit %s, built %s)", i.Tag, i.Short(), i.BuildTime)
}

// Short returns the abbreviated commit hash
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
