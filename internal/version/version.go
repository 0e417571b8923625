package version

import (
	"fmt"
	"runtime"
)

var (
	CLIName    = "defi-voice"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s/%s)", CLIVersion, Commit, BuildDate, runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent on every backend request.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", CLIName, CLIVersion)
}
