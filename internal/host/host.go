// Package host is the single seam between the orchestrator and mutable
// host state. Every package-manager call, service command, and config
// write goes through a Runner so deployments can target the local
// machine or a VPS over SSH, and so tests can substitute a fake.
package host

import (
	"context"
	"os"
)

// Runner executes commands and file operations on the deployment target.
type Runner interface {
	// Run executes a shell command and returns its combined output.
	// The error carries the exit status; output is returned either way.
	Run(ctx context.Context, command string) (string, error)

	// WriteFile places content at path with the given mode, replacing
	// any prior file.
	WriteFile(path string, content []byte, mode os.FileMode) error

	// ReadFile returns the file content at path.
	ReadFile(path string) ([]byte, error)

	// Remove deletes the file at path. Missing files are not an error.
	Remove(path string) error

	// Describe identifies the target for log lines and reports.
	Describe() string
}

// LookPath reports whether a tool resolves on the target's PATH.
func LookPath(ctx context.Context, r Runner, tool string) bool {
	_, err := r.Run(ctx, "command -v "+tool)
	return err == nil
}
