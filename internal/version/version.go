/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides the build version.
package version

// Version is the current version of Bragi.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/bragi/internal/version.Version=X.Y.Z
var Version = "0.3.0"

// String returns the version string reported by the CLI.
func String() string {
	return Version
}
