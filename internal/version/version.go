// SPDX-License-Identifier: MIT

// Package version carries build identity for the daemon.
package version

// Project is the lowercase project name. It doubles as the docker hostname
// recognized by the stop client and as the license scope string.
const Project = "epgd"

var (
	// Version is the current application version.
	// It should be populated by the build system (ldflags).
	Version = "v1.2.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
