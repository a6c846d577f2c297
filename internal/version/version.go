// Package version holds build metadata injected with -ldflags:
//
//	go build -ldflags "-X github.com/emergent-company/graphcore/internal/version.Version=1.2.0"
package version

import "fmt"

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// BuildInfo is the build metadata reported by /health and graphctl.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

func Info() BuildInfo {
	return BuildInfo{Version: Version, GitCommit: GitCommit, BuildTime: BuildTime}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", b.Version, b.GitCommit, b.BuildTime)
}
