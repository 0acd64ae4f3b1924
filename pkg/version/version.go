package version

import (
	"time"
)

// Set at build time with -ldflags "-X github.com/nais/promote/pkg/version.version=..."
var (
	version   = "unknown"
	buildTime = ""
)

func Version() string {
	return version
}

func BuildTime() (time.Time, error) {
	return time.Parse(time.RFC3339, buildTime)
}
