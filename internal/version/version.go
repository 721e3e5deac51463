// Package version exposes build metadata.
package version

// These variables are set at build time via -ldflags
// Example: go build -ldflags "-X github.com/neverMEH/amazon-dsp-oauth-api/internal/version.Version=v0.3.0"
var (
	// Version is the semantic version of the custodian
	Version = "dev"

	// Commit is the git commit hash
	Commit = "none"

	// BuildTime is the timestamp of the build
	BuildTime = "unknown"
)

// UserAgent is sent on every upstream request.
func UserAgent() string {
	return "amazon-ads-custodian/" + Version
}
