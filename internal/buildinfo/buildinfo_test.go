package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "Scout/"+Ver()) {
		t.Errorf("UserAgent() = %q, want Scout/%s prefix", ua, Ver())
	}
}

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "uptime"} {
		if info[k] == "" {
			t.Errorf("Info()[%q] is empty", k)
		}
	}
}

func TestStampedValuesWin(t *testing.T) {
	saved := [...]string{Version, GitCommit, BuildTime}
	t.Cleanup(func() { Version, GitCommit, BuildTime = saved[0], saved[1], saved[2] })

	Version, GitCommit, BuildTime = "1.2.3", "abc123", "2024-05-01T10:00:00Z"
	if got := Ver(); got != "1.2.3" {
		t.Errorf("Ver() = %q", got)
	}
	if got := Commit(); got != "abc123" {
		t.Errorf("Commit() = %q", got)
	}
	if got := String(); !strings.HasPrefix(got, "Scout 1.2.3 (abc123) built 2024-05-01T10:00:00Z") {
		t.Errorf("String() = %q", got)
	}
}
