package main

import "runtime/debug"

// version is set at build time via -ldflags.
var version = "dev"

// buildVersionString returns the version, preferring the module version
// embedded by the Go toolchain when installed via go install.
func buildVersionString() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return version
}
