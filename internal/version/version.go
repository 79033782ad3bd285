// Package version carries build identification, set via -ldflags at release
// time.
package version

import "fmt"

var (
	// Version is the semantic version of the build.
	Version = "dev"

	// Commit is the VCS revision the build came from.
	Commit = "unknown"
)

// String returns a printable build identifier.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
