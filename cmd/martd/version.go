package main

import "fmt"

var (
	// Version is the current version of martd (overridden by ldflags at build time)
	Version = "0.4.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
	// Commit is the git revision the binary was built from (optional ldflag)
	Commit = ""
)

func versionString() string {
	if Commit != "" {
		return fmt.Sprintf("martd version %s (%s: %s)", Version, Build, shortCommit(Commit))
	}
	return fmt.Sprintf("martd version %s (%s)", Version, Build)
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
