// Package buildinfo carries build-time metadata that is not part of the
// user configuration.
package buildinfo

import "fmt"

// UnknownValue is reported for metadata the build did not inject.
const UnknownValue = "unknown"

// BuildInfo provides access to build-time metadata.
type BuildInfo interface {
	GetVersion() string
	GetBuildDate() string
}

// Context holds the values injected at link time.
type Context struct {
	// Version holds the Git version tag from build
	Version string

	// BuildDate is the time when the binary was built
	BuildDate string
}

// NewContext returns a Context for the given version and build date.
func NewContext(version, buildDate string) *Context {
	return &Context{Version: version, BuildDate: buildDate}
}

// GetVersion implements BuildInfo.GetVersion
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate implements BuildInfo.GetBuildDate
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// Release is the identifier reported to telemetry, e.g. "trackfill@1.2.0".
func (c *Context) Release() string {
	return fmt.Sprintf("trackfill@%s", c.GetVersion())
}

// String renders the version line printed by the CLI.
func (c *Context) String() string {
	return fmt.Sprintf("trackfill %s (built %s)", c.GetVersion(), c.GetBuildDate())
}
