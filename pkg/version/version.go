// Package version reports which maker build is running.
package version

import (
	"fmt"
	"runtime/debug"
)

// Set with -ldflags "-X maker/pkg/version.Version=v1.2.3" and friends.
//
//nolint:gochecknoglobals // ldflags injection needs package vars.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build information on three lines. When ldflags left the
// commit unset, the VCS stamp written by the go command is used instead.
func String() string {
	commit, date := Commit, Date
	if commit == "none" {
		commit, date = fromBuildInfo(commit, date)
	}
	return fmt.Sprintf("maker %s\n  commit: %s\n  built:  %s", Version, commit, date)
}

func fromBuildInfo(commit, date string) (string, string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, date
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.time":
			date = s.Value
		}
	}
	return commit, date
}
