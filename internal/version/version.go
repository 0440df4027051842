// Package version stamps the binary with build metadata set via
// -ldflags at release build time.
package version

// version, channel, and commit are overridden at build time with:
//
//	go build -ldflags "-X github.com/wiretun/wiretun/internal/version.version=1.2.3"
var (
	version = "dev"
	channel = "development"
	commit  = "unknown"
)

// Version returns the build's version string.
func Version() string { return version }

// Channel returns the release channel the build was cut from.
func Channel() string { return channel }

// Commit returns the VCS revision the build was cut from.
func Commit() string { return commit }
