// Package version provides build-time metadata for the quota service.
// The variables are populated via -ldflags at build time.
package version

import (
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

var (
	// Version is the release tag or git commit hash (e.g., "v1.0.0" or "a1b2c3d").
	// Set via: -ldflags "-X quota/internal/version.Version=..."
	Version = "unknown"

	// BuildDate is the ISO 8601 UTC timestamp when the binary was built.
	// Set via: -ldflags "-X quota/internal/version.BuildDate=..."
	BuildDate = "unknown"

	// GitCommit is the git commit SHA of the source code.
	// Set via: -ldflags "-X quota/internal/version.GitCommit=..."
	GitCommit = "unknown"
)

// Info holds all build metadata and runtime information.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns build metadata and runtime information.
// Instance ID and hostname are computed once on first call and cached.
func GetInfo() Info {
	once.Do(func() {
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			InstanceID: uuid.New().String(),
			Hostname:   getHostname(),
		}
	})
	return info
}

// getHostname returns the system hostname, fallback to "unknown" on error.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// Semver returns the version in canonical semver form ("v1.2" becomes
// "1.2.0"). Versions that are not semver, such as a bare commit hash, are
// returned unchanged.
func (i Info) Semver() string {
	v, err := semver.NewVersion(i.Version)
	if err != nil {
		return i.Version
	}
	return v.String()
}

// String formats version info for CLI display.
func (i Info) String() string {
	return fmt.Sprintf("quota version %s (commit: %s, built: %s)", i.Semver(), i.GitCommit, i.BuildDate)
}
