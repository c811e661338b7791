// Package version executes and returns the version string
// for the currently running process.
package version

import (
	"fmt"
	"time"
)

// The value of these vars are set through linker options.
var gitCommit = "Local build"
var buildDate = "Moments ago"
var gitTag = "Unknown"

// Version returns the version string of this build.
func Version() string {
	if buildDate == "Moments ago" {
		buildDate = time.Now().Format(time.RFC3339)
	}
	return fmt.Sprintf("synapse/%s/%s. Built at: %s", gitTag, gitCommit, buildDate)
}

// BuildData returns the git tag and commit of the current build.
func BuildData() string {
	return fmt.Sprintf("synapse/%s/%s", gitTag, gitCommit)
}
