package version

import (
	"fmt"
	"runtime"
)

const name = "crm-bulk-upsert"

var (
	// Version is the semantic version of the application
	Version = "dev"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Info returns version information as a map
func Info() map[string]string {
	return map[string]string{
		"name":      name,
		"version":   Version,
		"gitCommit": GitCommit,
		"buildTime": BuildTime,
		"goVersion": runtime.Version(),
	}
}

// String returns a formatted version string
func String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)", name, Version, GitCommit, BuildTime, runtime.Version())
}

// UserAgent returns the User-Agent sent to the bulk API
func UserAgent() string {
	return fmt.Sprintf("%s/%s", name, Version)
}
