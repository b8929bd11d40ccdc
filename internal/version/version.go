package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/ggonzalez94/xswap/internal/version.Commit=...".
var (
	CLIName    = "xswap"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

// Long is the version line printed by `version --long`.
func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s %s/%s)",
		CLIName, CLIVersion, Commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
