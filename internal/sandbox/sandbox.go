// Package sandbox selects and describes the wrapper a child process is
// spawned under, mapping spec §4.3's SandboxType enum onto concrete
// mechanisms.
//
// LinuxSeccomp is implemented as an external sandbox-helper-binary
// invocation, with a Firecracker microVM binary wired in as one
// concrete helper when present on PATH, falling back to the
// configured seccomp helper otherwise (see DESIGN.md).
package sandbox

import "os/exec"

// Type is spec §4.3's SandboxType enum, selected by the Turn Engine based
// on sandbox policy and platform.
type Type string

const (
	None          Type = "none"
	MacosSeatbelt Type = "macos_seatbelt"
	LinuxSeccomp  Type = "linux_seccomp"
)

// Policy is the subset of sandbox_policy (spec §6) the Exec Runner needs:
// whether writes are permitted and to which roots, and whether network
// access is allowed.
type Policy struct {
	Kind          PolicyKind
	WritableRoots []string
	NetworkAccess bool
}

type PolicyKind string

const (
	PolicyReadOnly         PolicyKind = "read_only"
	PolicyWorkspaceWrite   PolicyKind = "workspace_write"
	PolicyDangerFullAccess PolicyKind = "danger_full_access"
)

// SeatbeltProfile renders a macOS seatbelt profile string from a Policy.
// This has no teacher analogue (the teacher never targets macOS
// sandboxing); the shape is a minimal allow/deny list sufficient for the
// ExecRunner to pass as a wrapper argument.
func SeatbeltProfile(p Policy) string {
	if p.Kind == PolicyDangerFullAccess {
		return "(allow default)"
	}
	profile := "(deny default)\n(allow process-fork)\n(allow file-read*)\n"
	for _, root := range p.WritableRoots {
		profile += "(allow file-write* (subpath \"" + root + "\"))\n"
	}
	if p.NetworkAccess {
		profile += "(allow network*)\n"
	}
	return profile
}

// HelperPath locates the Linux seccomp sandbox helper. If a firecracker
// microVM binary is present on PATH it is preferred as the concrete helper
// (mirrors sandbox.NewExecutor's useFirecracker detection); otherwise the
// configured seccomp helper path is used as-is.
func HelperPath(configuredHelper string) (path string, usesFirecracker bool) {
	if fc, err := exec.LookPath("firecracker"); err == nil {
		return fc, true
	}
	return configuredHelper, false
}

// Select picks a SandboxType for the current platform and policy. None is
// used whenever the policy is DangerFullAccess (spec §4.3: "selected by
// the Turn Engine based on policy and platform").
func Select(policy Policy, goos string) Type {
	if policy.Kind == PolicyDangerFullAccess {
		return None
	}
	if goos == "darwin" {
		return MacosSeatbelt
	}
	return LinuxSeccomp
}
