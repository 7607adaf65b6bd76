// Package agent assembles the agent CLI command line for a session.
package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/pty"
)

// CommandOptions carries the per-session inputs to command assembly.
type CommandOptions struct {
	// WorkspacePath is the output project's workspace directory; it becomes
	// the child's working directory.
	WorkspacePath string

	// ResumeSessionID, when non-empty, resumes the persisted CLI
	// conversation instead of starting a fresh one.
	ResumeSessionID string
}

// Builder assembles pty.CommandSpec values from static agent configuration.
type Builder struct {
	cfg config.AgentConfig
}

// NewBuilder creates a Builder from agent configuration.
func NewBuilder(cfg config.AgentConfig) *Builder {
	return &Builder{cfg: cfg}
}

// Build returns the command spec for one session. The CLI always runs in
// stream-json mode on both directions so the first stdout line is the
// system/init message and milestones can be injected on stdin.
func (b *Builder) Build(opts CommandOptions) (pty.CommandSpec, error) {
	if opts.WorkspacePath == "" {
		return pty.CommandSpec{}, fmt.Errorf("agent: workspace path is required")
	}

	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}

	if len(b.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools="+strings.Join(b.cfg.AllowedTools, ","))
	}

	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	args = append(args, b.cfg.ExtraArgs...)

	env := os.Environ()
	env = append(env, "TERM=xterm-256color")
	env = append(env, b.cfg.ExtraEnv...)

	return pty.CommandSpec{
		Path: b.cfg.Binary,
		Args: args,
		Dir:  opts.WorkspacePath,
		Env:  env,
	}, nil
}
