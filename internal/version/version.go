// Package version carries build identification, populated at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v0.3.0 \
//	    -X .../internal/version.GitSHA=$(git rev-parse --short HEAD)"
package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String renders the build identity for startup logs and the status page.
func String() string {
	return Version + " (" + GitSHA + ")"
}
