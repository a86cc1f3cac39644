// Package core holds the plain types shared by the controller, the shim and
// the script backends.
package core

import (
	"runtime"
	"time"
)

// LogEntry is a single console.log/warn/error line captured from a worker,
// or a diagnostic the harness itself recorded.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Log levels carried by log and internalLog messages.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelLog   = "log"
	LevelWarn  = "warn"
	LevelError = "error"
)

// BuildInfo describes the platform a worker believes it runs on.
type BuildInfo struct {
	Target  string `json:"target"`
	Arch    string `json:"arch"`
	OS      string `json:"os"`
	Vendor  string `json:"vendor"`
	Version string `json:"version"`
}

// DefaultBuild describes the host process.
func DefaultBuild() BuildInfo {
	return BuildInfo{
		Target:  runtime.GOARCH + "-" + runtime.GOOS,
		Arch:    runtime.GOARCH,
		OS:      runtime.GOOS,
		Vendor:  "localworker",
		Version: runtime.Version(),
	}
}
