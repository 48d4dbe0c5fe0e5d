package renderapm

// Version information, overridden at build time with -ldflags "-X"
var (
	// Version is the current release
	Version = "development"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
