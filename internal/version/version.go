package version

import "fmt"

// Set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String returns the banner printed by "llmgate version".
func String() string {
	return fmt.Sprintf("llmgate %s (commit: %s, built: %s)", Version, GitCommit, BuildDate)
}
