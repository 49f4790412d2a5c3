package handlers

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/supermanc88/virtio-serial-rpc/internal/guestserver/reqctx"
	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

type serviceControlParams struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

type serviceStatus struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Active      bool   `json:"active"`
	Enabled     bool   `json:"enabled"`
	PID         int    `json:"pid,omitempty"`
	Description string `json:"description,omitempty"`
}

type serviceControlResult struct {
	Name    string `json:"name"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Active  bool   `json:"active"`
	Enabled bool   `json:"enabled"`
	PID     int    `json:"pid,omitempty"`
}

// ServiceControl starts, stops, restarts, reloads, enables, disables, or
// reports the status of a systemd unit, after validating the action and
// the unit name (which must contain only the characters systemctl's own
// argv accepts, blocking injection through the name field).
func ServiceControl(rc *reqctx.RequestContext) (any, *protocol.RPCError) {
	var p serviceControlParams
	if err := rc.BindParams(&p); err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "invalid params: %v", err)
	}
	if p.Name == "" {
		return nil, protocol.NewError(protocol.MissingRequired)
	}
	if p.Action == "" {
		p.Action = "status"
	}
	action := strings.ToLower(p.Action)

	if rpcErr := CheckServiceAction(action); rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := CheckServiceName(p.Name); rpcErr != nil {
		return nil, rpcErr
	}

	if action == "status" {
		return serviceStatusOf(rc.Ctx, p.Name)
	}

	result, runErr := runSystemctl(rc.Ctx, action, p.Name, 30*time.Second)
	if runErr != nil {
		return nil, runErr
	}

	status, _ := serviceStatusOf(rc.Ctx, p.Name)
	statusTyped, _ := status.(serviceStatus)

	if result.exitCode != 0 {
		return nil, protocol.Errorf(protocol.CmdExecFailed, "failed to %s service %s", action, p.Name).
			WithData(map[string]any{"exit_code": result.exitCode, "stderr": result.stderr, "status": statusTyped})
	}

	return serviceControlResult{
		Name:    p.Name,
		Action:  action,
		Success: true,
		Status:  statusTyped.Status,
		Active:  statusTyped.Active,
		Enabled: statusTyped.Enabled,
		PID:     statusTyped.PID,
	}, nil
}

type systemctlResult struct {
	exitCode int
	stdout   string
	stderr   string
}

func runSystemctl(ctx context.Context, action, name string, timeout time.Duration) (*systemctlResult, *protocol.RPCError) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "systemctl", action, name)
	var stdout, stderr boundedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, protocol.NewError(protocol.CmdTimeout)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CmdNotFound, "systemctl command not found")
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, protocol.Errorf(protocol.CmdExecFailed, "failed to execute systemctl: %v", err)
		}
	}

	return &systemctlResult{exitCode: exitCode, stdout: stdout.String(), stderr: stderr.String()}, nil
}

func serviceStatusOf(ctx context.Context, name string) (any, *protocol.RPCError) {
	status := serviceStatus{Name: name, Status: "unknown"}

	if r, err := runSystemctl(ctx, "is-active", name, 10*time.Second); err == nil {
		active := strings.TrimSpace(r.stdout)
		status.Status = active
		status.Active = active == "active"
	}
	if r, err := runSystemctl(ctx, "is-enabled", name, 10*time.Second); err == nil {
		status.Enabled = strings.TrimSpace(r.stdout) == "enabled"
	}

	showCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(showCtx, "systemctl", "show", name, "--property=MainPID,Description")
	var stdout boundedBuffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err == nil {
		for _, line := range strings.Split(stdout.String(), "\n") {
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			switch key {
			case "MainPID":
				if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
					status.PID = pid
				}
			case "Description":
				status.Description = value
			}
		}
	}

	return status, nil
}
