// Package buildinfo reports which Scout build is running. Release builds
// stamp the variables below with -ldflags; development builds fall back to
// the VCS metadata the Go toolchain embeds in the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/scout/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	GitBranch = ""
	BuildTime = ""
)

var startTime = time.Now()

// vcs holds values read from [debug.ReadBuildInfo].
type vcs struct {
	revision string
	time     string
	modified bool
	module   string
}

var readVCS = sync.OnceValue(func() vcs {
	var v vcs
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		v.module = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v.revision = s.Value
		case "vcs.time":
			v.time = s.Value
		case "vcs.modified":
			v.modified = s.Value == "true"
		}
	}
	return v
})

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Ver returns the stamped version, or the module version when the binary
// was installed with go install.
func Ver() string {
	if Version == "dev" {
		if m := readVCS().module; m != "" {
			return m
		}
	}
	return Version
}

// Commit returns the short commit hash, suffixed with "-dirty" when the
// working tree had local changes at build time.
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	v := readVCS()
	rev := v.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && v.modified {
		rev += "-dirty"
	}
	return orUnknown(rev)
}

// Built returns the build timestamp, or the commit time for VCS builds.
func Built() string {
	if BuildTime != "" {
		return BuildTime
	}
	return orUnknown(readVCS().time)
}

// Uptime returns the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// Info is served by GET /v1/version and printed by scout version.
func Info() map[string]string {
	return map[string]string{
		"version":    Ver(),
		"git_commit": Commit(),
		"git_branch": orUnknown(GitBranch),
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// UserAgent identifies Scout on outbound search, fetch, and model requests.
func UserAgent() string {
	return fmt.Sprintf("Scout/%s (+%s/%s)", Ver(), runtime.GOOS, runtime.GOARCH)
}

func String() string {
	return fmt.Sprintf("Scout %s (%s) built %s with %s", Ver(), Commit(), Built(), runtime.Version())
}
