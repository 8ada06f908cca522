// Package buildinfo carries values stamped in with -ldflags -X.
package buildinfo

import "time"

var (
	Version    = "dev"
	BuildTime  string // when the binary was compiled
	CommitTime string // last git commit time
	CommitHash string // short git commit hash
)

// StartTime is recorded when the process starts
var StartTime = time.Now().UTC().Format(time.RFC3339)

// Info is the build description served by /health and --version
type Info struct {
	Version    string `json:"version"`
	BuildTime  string `json:"buildTime,omitempty"`
	CommitTime string `json:"commitTime,omitempty"`
	CommitHash string `json:"commitHash,omitempty"`
	StartTime  string `json:"startTime"`
}

// Get returns the current build description
func Get() Info {
	return Info{
		Version:    Version,
		BuildTime:  BuildTime,
		CommitTime: CommitTime,
		CommitHash: CommitHash,
		StartTime:  StartTime,
	}
}

// String renders the version line printed by the CLI
func (i Info) String() string {
	s := i.Version
	if i.CommitHash != "" {
		s += " (" + i.CommitHash + ")"
	}
	if i.BuildTime != "" {
		s += " built " + i.BuildTime
	}
	return s
}
