package taint

// Version information for the uninitialized-memory tracker.
const (
	// Version is the current version of the tracker runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the tracker.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Model is the metadata model in use.
	Model string

	// Enabled indicates whether tracking is active.
	Enabled bool
}

// GetInfo returns information about the tracker runtime.
//
// Example:
//
//	info := taint.GetInfo()
//	fmt.Printf("memtaint %s (%s)\n", info.Version, info.Model)
func GetInfo() Info {
	return Info{
		Version: Version,
		Model:   "byte shadow + 4-byte origin granules",
		Enabled: Enabled(),
	}
}
