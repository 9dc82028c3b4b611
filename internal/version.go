package internal

import "fmt"

var (
	version  = "0.3.0"
	revision = "$Format:%h$"
)

// Version returns the release version, with the VCS revision appended
// when the source was built from a tagged archive.
func Version() string {
	if len(revision) == 7 {
		return fmt.Sprintf("%s+%s", version, revision)
	}
	return version
}
