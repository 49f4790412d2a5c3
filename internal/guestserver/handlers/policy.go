// Package handlers implements the guest-side handler policy layer and
// the concrete request handlers it fronts: ping/system info/status,
// shell exec, file upload/download/info, and systemd service control.
package handlers

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

// MaxCaptureBytes bounds how much of a subprocess's stdout/stderr a
// handler will buffer before truncating, defending the guest against a
// runaway command filling memory.
const MaxCaptureBytes = 1 << 20 // 1 MiB

var defaultAllowedCommands = map[string]struct{}{
	"ls": {}, "cat": {}, "head": {}, "tail": {}, "grep": {}, "find": {}, "wc": {},
	"df": {}, "free": {}, "top": {}, "ps": {}, "netstat": {}, "ss": {}, "ip": {},
	"systemctl": {}, "service": {}, "journalctl": {},
	"date": {}, "uptime": {}, "hostname": {}, "uname": {}, "whoami": {},
	"pwd": {}, "echo": {}, "env": {}, "printenv": {},
	"which": {}, "type": {}, "file": {}, "stat": {},
	"id": {}, "groups": {}, "last": {}, "who": {}, "w": {},
	"dmidecode": {}, "lscpu": {}, "lsmem": {}, "lsblk": {}, "lspci": {}, "lsusb": {},
	"mount": {}, "fdisk": {}, "blkid": {},
	"iptables": {}, "firewall-cmd": {},
	"docker": {}, "podman": {}, "crictl": {},
}

// dangerousSubstrings rejects shell metacharacters that have no meaning
// to exec.CommandContext's argv-direct dispatch but are rejected anyway
// so a caller who assumed shell semantics fails loudly rather than
// having the byte silently pass through as a literal argument. Unlike a
// shell=True dispatcher this never interprets '|' or '&' or redirection
// as such, but each is rejected for the same reason: passing one through
// would be either a caller mistake or a probe. The set is the full
// "| & ; ` $ > < \n \r" superset, not just the multi-character sequences
// a shell would actually act on.
var dangerousSubstrings = []string{
	";", "&&", "||", "|", "&", "`", "$(", "${", "$", ">", "<", "\n", "\r",
}

var defaultAllowedPaths = []string{"/tmp/", "/var/log/", "/home/", "/opt/", "/etc/"}

var defaultForbiddenPaths = []string{"/etc/shadow", "/etc/sudoers", "/root/", "/proc/", "/sys/"}

var allowedServiceActions = map[string]struct{}{
	"start": {}, "stop": {}, "restart": {}, "status": {},
	"enable": {}, "disable": {}, "reload": {},
}

// Policy holds the security configuration every handler consults:
// command and path allow-lists, and the forbidden-path denylist that
// always wins regardless of the allow-list.
type Policy struct {
	AllowedCommands map[string]struct{} // nil -> defaultAllowedCommands; empty non-nil -> allow all
	AllowedPaths    []string
	ForbiddenPaths  []string
}

// DefaultPolicy returns the pinned default allow-lists.
func DefaultPolicy() *Policy {
	return &Policy{
		AllowedCommands: defaultAllowedCommands,
		AllowedPaths:    defaultAllowedPaths,
		ForbiddenPaths:  defaultForbiddenPaths,
	}
}

// CheckCommand rejects dangerous characters and, unless the allow-list
// is empty, requires the command's base binary name appear in it.
func (p *Policy) CheckCommand(command string) *protocol.RPCError {
	for _, bad := range dangerousSubstrings {
		if strings.Contains(command, bad) {
			return protocol.Errorf(protocol.InvalidParams, "command contains disallowed character: %q", bad)
		}
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return protocol.NewError(protocol.InvalidParams)
	}

	allowed := p.AllowedCommands
	if allowed == nil {
		allowed = defaultAllowedCommands
	}
	if len(allowed) == 0 {
		return nil // explicit empty allow-list means "allow all"
	}

	base := filepath.Base(fields[0])
	if _, ok := allowed[base]; !ok {
		return protocol.Errorf(protocol.InvalidParams, "command not allowed: %s", base)
	}
	return nil
}

// CheckServiceAction validates a systemd action name against the fixed
// allow-list; unlike command/path policy this list is not configurable.
func CheckServiceAction(action string) *protocol.RPCError {
	if _, ok := allowedServiceActions[strings.ToLower(action)]; !ok {
		return protocol.Errorf(protocol.InvalidParams, "invalid action: %s", action)
	}
	return nil
}

// CheckServiceName rejects anything but the characters systemd unit
// names and exec.CommandContext's argv can both accept unambiguously.
func CheckServiceName(name string) *protocol.RPCError {
	for _, r := range name {
		if !(r == '-' || r == '_' || r == '.' || isAlnum(r)) {
			return protocol.Errorf(protocol.InvalidParams, "invalid service name: %s", name)
		}
	}
	if name == "" {
		return protocol.NewError(protocol.InvalidParams)
	}
	return nil
}

func isAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// CanonicalizePath resolves path to an absolute, symlink-free form and
// checks it against the forbidden and allowed lists: forbidden always
// wins, and a non-empty allow-list requires a prefix match.
func (p *Policy) CanonicalizePath(path string, write bool) (string, *protocol.RPCError) {
	if path == "" {
		return "", protocol.NewError(protocol.MissingRequired)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", protocol.Errorf(protocol.InvalidParams, "invalid path: %v", err)
	}
	normalized := filepath.Clean(abs)

	// Resolve symlinks where possible; a not-yet-existing target (the
	// common case for an upload write) has no link to resolve, so fall
	// back to the syntactic form.
	if resolved, err := filepath.EvalSymlinks(normalized); err == nil {
		normalized = resolved
	} else if !os.IsNotExist(err) {
		return "", protocol.Errorf(protocol.PermissionDenied, "failed to resolve path: %v", err)
	}

	for _, forbidden := range p.ForbiddenPaths {
		trimmed := strings.TrimSuffix(forbidden, "/")
		if normalized == trimmed || strings.HasPrefix(normalized+"/", forbidden) || strings.HasPrefix(normalized, forbidden) {
			return "", protocol.Errorf(protocol.PermissionDenied, "access denied: %s", path)
		}
	}

	if len(p.AllowedPaths) > 0 {
		ok := false
		for _, prefix := range p.AllowedPaths {
			clean := strings.TrimSuffix(filepath.Clean(prefix), string(filepath.Separator))
			if normalized == clean || strings.HasPrefix(normalized, clean+string(filepath.Separator)) {
				ok = true
				break
			}
		}
		if !ok {
			return "", protocol.Errorf(protocol.PermissionDenied, "path not in allowed list: %s", path)
		}
	}

	if write && (normalized == "/etc" || strings.HasPrefix(normalized, "/etc/")) {
		return "", protocol.Errorf(protocol.PermissionDenied, "path is read-only: %s", path)
	}

	return normalized, nil
}

func parseOctalMode(s string) (os.FileMode, error) {
	if s == "" {
		s = "0644"
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}
