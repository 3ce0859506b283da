// Package version holds the build version, overridable at link time with
// -ldflags "-X github.com/philhumber/vintner/internal/version.Version=v1.2.3".
package version

// Version is the semantic version of this build.
var Version = "dev"
