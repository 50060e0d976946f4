// Package version carries build metadata for the restlink binary.
package version

// Overridden at build time:
// go build -ldflags "-X restlink/internal/version.Version=1.2.0 -X restlink/internal/version.Commit=abc123"
var (
	// Version is the semantic version of restlink
	Version = "0.4.0"

	// Commit is the git commit hash (set at build time)
	Commit = "unknown"

	// BuildDate is the build timestamp (set at build time)
	BuildDate = "unknown"
)

// Info returns the version with a short commit suffix when one is known
func Info() string {
	if Commit != "unknown" && len(Commit) > 7 {
		return Version + " (" + Commit[:7] + ")"
	}
	return Version
}

// Full returns complete version information
func Full() string {
	return "restlink version " + Version + "\n" +
		"Commit: " + Commit + "\n" +
		"Built: " + BuildDate
}

// UserAgent is the User-Agent sent by API clients
func UserAgent() string {
	return "restlink/" + Version
}
