// Package version reports the module version for CLI output.
package version

import (
	"runtime/debug"
	"strings"
)

const defaultModule = "pkt.systems/synctree"

// buildVersion is set via -ldflags "-X pkt.systems/synctree/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string: the linked build
// version, the module version from build info, or a vcs pseudo version.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	var revision, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}
	if revision == "" {
		return "v0.0.0-unknown"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + revision
	if modified == "true" {
		v += "+dirty"
	}
	return v
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}
