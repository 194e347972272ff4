// Package version holds build identity, overridable via -ldflags.
package version

var (
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// UserAgent is sent on every remote API request.
func UserAgent() string {
	return "acetool.cli/" + Version + "/mcp"
}
