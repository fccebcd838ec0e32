// This file contains build information and initialization logic.
// Version, commit and build time are injected with -ldflags at build time; StartTime is captured on init so the
// system status can report uptime.
// CAUTION: This file shouldn't be removed or else flags wouldn't be set properly.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	// If build info is not set, make that clear. Version falls back to a valid semantic version so that
	// cache schema versions derived from it remain comparable.
	if Version == "" {
		Version = "v0.0.0-unknown"
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false.", "error", err)
		}
	}
}

// Uptime returns how long the process has been running relative to `now`.
func Uptime(now time.Time) time.Duration {
	return now.Sub(StartTime)
}
