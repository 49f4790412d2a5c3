package handlers

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/supermanc88/virtio-serial-rpc/internal/guestserver/reqctx"
	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

// killGrace is how long a timed-out command gets to exit cleanly after
// SIGTERM before the guest escalates to SIGKILL.
const killGrace = 5 * time.Second

type execParams struct {
	Command    string            `json:"command"`
	Timeout    int               `json:"timeout"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env"`
}

type execResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// ShellHandler holds the policy shell exec is checked against.
type ShellHandler struct {
	Policy *Policy
}

// Exec runs a single command argv-direct (never through a shell) after
// checking it against the command allow-list. Because there is no shell
// interpreting the argument string, "command" is split on whitespace
// into argv directly — callers who need quoting or pipelines are out of
// scope; chain commands on the host side instead.
func (h *ShellHandler) Exec(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	var p execParams
	if err := rc.BindParams(&p); err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid params: %v", err)
	}
	if p.Command == "" {
		return nil, protocol.Errorf(protocol.MissingRequired, "missing required parameter: command")
	}
	if p.Timeout <= 0 {
		p.Timeout = 30
	}

	if rpcErr := h.Policy.CheckCommand(p.Command); rpcErr != nil {
		return nil, rpcErr
	}

	workingDir := p.WorkingDir
	if workingDir != "" {
		normalized, rpcErr := h.Policy.CanonicalizePath(workingDir, false)
		if rpcErr != nil {
			return nil, rpcErr
		}
		workingDir = normalized
	}

	fields := strings.Fields(p.Command)

	ctx, cancel := context.WithTimeout(rc.Ctx, time.Duration(p.Timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	cmd.Env = restrictedEnv(p.Env)

	var stdout, stderr boundedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started).Milliseconds()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, protocol.Errorf(protocol.CmdTimeout, "command timed out after %d seconds", p.Timeout).
			WithData(map[string]any{"timeout": p.Timeout, "duration_ms": elapsed})
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CmdNotFound, "command not found: %s", fields[0])
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, protocol.Errorf(protocol.CmdExecFailed, "command execution failed: %v", err).
				WithData(map[string]any{"duration_ms": elapsed})
		}
	}

	return execResult{
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: elapsed,
		Truncated:  stdout.truncated || stderr.truncated,
	}, nil
}

// restrictedEnv builds a child environment containing only the keys the
// caller explicitly supplied, plus PATH defaulted to /usr/bin:/bin if the
// caller didn't set one — the child never inherits the guest process's
// own environment.
func restrictedEnv(overrides map[string]string) []string {
	out := make([]string, 0, len(overrides)+1)
	hasPath := false
	for k, v := range overrides {
		out = append(out, k+"="+v)
		if k == "PATH" {
			hasPath = true
		}
	}
	if !hasPath {
		out = append(out, "PATH=/usr/bin:/bin")
	}
	return out
}
