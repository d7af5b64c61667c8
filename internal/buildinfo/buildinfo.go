// Package buildinfo exposes ldflags-injected build metadata and process
// uptime, adapted from the teacher's version.go.
package buildinfo

import (
	"runtime"
	"strings"
	"time"
)

// Set via -ldflags "-X ...=..." at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
	BuildUser = "unknown"
	BuildHost = "unknown"
)

var startTime = time.Now()

// Info is the serialisable snapshot returned by Get.
type Info struct {
	Version      string    `json:"version"`
	GitCommit    string    `json:"git_commit"`
	GitBranch    string    `json:"git_branch"`
	BuildTime    string    `json:"build_time"`
	BuildUser    string    `json:"build_user"`
	BuildHost    string    `json:"build_host"`
	GoVersion    string    `json:"go_version"`
	Platform     string    `json:"platform"`
	Architecture string    `json:"architecture"`
	Uptime       string    `json:"uptime"`
	StartTime    time.Time `json:"start_time"`
}

// Get returns the current build and runtime snapshot.
func Get() Info {
	return Info{
		Version:      Version,
		GitCommit:    GitCommit,
		GitBranch:    GitBranch,
		BuildTime:    BuildTime,
		BuildUser:    BuildUser,
		BuildHost:    BuildHost,
		GoVersion:    runtime.Version(),
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
		Uptime:       time.Since(startTime).String(),
		StartTime:    startTime,
	}
}

// String renders a one-line version string, e.g. for -version output.
func String() string {
	info := Get()
	var sb strings.Builder
	sb.WriteString(info.Version)
	sb.WriteString(" (")
	sb.WriteString(info.GitCommit)
	sb.WriteString(") built ")
	sb.WriteString(info.BuildTime)
	return sb.String()
}
