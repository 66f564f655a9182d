package version

import (
	"fmt"
	"os"
	"strings"
)

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

const (
	// DefaultMarkerPath is where the bridge host expects the API version
	// marker written by the sender.
	DefaultMarkerPath = "/tmp/xr/version"
	// ExpectedAPIVersion is the marker content this bridge speaks.
	ExpectedAPIVersion = "0.2"
)

// String formats the build information for -version output.
func String() string {
	return fmt.Sprintf("xrbridge %s (%s, built %s)", Version, GitSHA, BuildTime)
}

// ReadMarker returns the trimmed contents of the API version marker at path.
// A missing file is reported with an error satisfying errors.Is(err,
// fs.ErrNotExist).
func ReadMarker(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
