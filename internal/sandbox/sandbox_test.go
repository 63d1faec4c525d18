package sandbox

import (
	"strings"
	"testing"
)

func TestSelectDangerFullAccessAlwaysNone(t *testing.T) {
	got := Select(Policy{Kind: PolicyDangerFullAccess}, "linux")
	if got != None {
		t.Fatalf("expected None for danger-full-access, got %v", got)
	}
	got = Select(Policy{Kind: PolicyDangerFullAccess}, "darwin")
	if got != None {
		t.Fatalf("expected None for danger-full-access on darwin, got %v", got)
	}
}

func TestSelectPicksPlatformSandbox(t *testing.T) {
	if got := Select(Policy{Kind: PolicyWorkspaceWrite}, "darwin"); got != MacosSeatbelt {
		t.Fatalf("expected MacosSeatbelt on darwin, got %v", got)
	}
	if got := Select(Policy{Kind: PolicyWorkspaceWrite}, "linux"); got != LinuxSeccomp {
		t.Fatalf("expected LinuxSeccomp on linux, got %v", got)
	}
}

func TestSeatbeltProfileDenyDefaultUnlessFullAccess(t *testing.T) {
	p := SeatbeltProfile(Policy{Kind: PolicyWorkspaceWrite, WritableRoots: []string{"/tmp/work"}})
	if !strings.Contains(p, "(deny default)") || !strings.Contains(p, "/tmp/work") {
		t.Fatalf("expected deny-default profile scoped to writable root, got %q", p)
	}

	full := SeatbeltProfile(Policy{Kind: PolicyDangerFullAccess})
	if full != "(allow default)" {
		t.Fatalf("expected allow-default profile for full access, got %q", full)
	}
}
