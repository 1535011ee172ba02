// Package deps ensures the OS-level tools a deployment needs exist on
// the target, installing only what is missing and degrading instead of
// failing when optional tools cannot be installed.
package deps

import (
	"context"
	"fmt"
	"strings"

	"github.com/alfaoz/groundcontrol/internal/host"
)

// Tool is an OS-level dependency. Critical tools abort the deployment
// when absent after an install attempt; optional tools are skipped.
type Tool struct {
	Name     string
	Package  string // apt package, when it differs from the tool name
	Critical bool
}

func (t Tool) pkg() string {
	if t.Package != "" {
		return t.Package
	}
	return t.Name
}

// Defaults is the tool set the gost pipeline relies on. ss only backs
// the readiness check, which falls back to netstat, so it is optional.
func Defaults() []Tool {
	return []Tool{
		{Name: "curl", Critical: true},
		{Name: "tar", Critical: true},
		{Name: "ss", Package: "iproute2"},
	}
}

// Status reports what Ensure concluded.
type Status struct {
	Installed []string // packages an install was attempted for
	Missing   []string // optional tools still absent (degraded mode)
	Warnings  []string
}

// Degraded reports whether any optional tool is unavailable.
func (s Status) Degraded() bool { return len(s.Missing) > 0 }

// Ensure checks each tool on PATH and installs exactly the missing set.
// When everything is already present no package-manager command runs at
// all, which keeps repeat deployments fast and quiet.
func Ensure(ctx context.Context, r host.Runner, tools []Tool) (Status, error) {
	st := Status{}

	missing := absentTools(ctx, r, tools)
	if len(missing) == 0 {
		return st, nil
	}

	pkgs := make([]string, 0, len(missing))
	for _, t := range missing {
		pkgs = append(pkgs, t.pkg())
	}
	st.Installed = pkgs

	// A stale index is transient; the install below may still resolve
	// from cache, so this failure is recorded rather than escalated.
	if out, err := r.Run(ctx, "DEBIAN_FRONTEND=noninteractive apt-get update -qq"); err != nil {
		st.Warnings = append(st.Warnings, fmt.Sprintf("apt-get update failed (continuing): %s", firstLine(out)))
	}

	installCmd := "DEBIAN_FRONTEND=noninteractive apt-get install -y -qq " + strings.Join(pkgs, " ")
	if out, err := r.Run(ctx, installCmd); err != nil {
		st.Warnings = append(st.Warnings, fmt.Sprintf("apt-get install failed: %s", firstLine(out)))
	}

	// Re-check after the install attempt: a failed install is fatal only
	// if a critical tool is still absent.
	still := absentTools(ctx, r, missing)
	for _, t := range still {
		if t.Critical {
			return st, fmt.Errorf("required tool %q unavailable and could not be installed", t.Name)
		}
		st.Missing = append(st.Missing, t.Name)
		st.Warnings = append(st.Warnings, fmt.Sprintf("optional tool %q unavailable; related checks will be skipped", t.Name))
	}
	return st, nil
}

func absentTools(ctx context.Context, r host.Runner, tools []Tool) []Tool {
	var missing []Tool
	for _, t := range tools {
		if !host.LookPath(ctx, r, t.Name) {
			missing = append(missing, t)
		}
	}
	return missing
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
