package utils

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (engine logs)
// This ensures we don't lose critical crash information if an engine process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns whatever the process wrote to stderr so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// ShowError prints a formatted error box and dumps engine logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACEENGINE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(os.Stderr, "\nENGINE CRASH LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for the CLI.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}
