// Package version holds build metadata for kiln binaries.
package version

// Overridden at release time via ldflags:
// go build -ldflags "-X kiln/internal/version.Version=0.4.0 -X kiln/internal/version.Commit=abc1234"
var (
	// Version is the semantic version of kiln.
	Version = "0.3.0"

	// Commit is the git commit hash (set at build time).
	Commit = "unknown"

	// BuildDate is the build timestamp (set at build time).
	BuildDate = "unknown"
)

// Info returns a short version string for log banners.
func Info() string {
	if Commit != "unknown" && len(Commit) > 7 {
		return Version + " (" + Commit[:7] + ")"
	}
	return Version
}

// Full returns the multi-line version report printed by `kiln version`.
func Full() string {
	return "kiln version " + Version + "\n" +
		"Commit: " + Commit + "\n" +
		"Built: " + BuildDate
}
