package handlers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

func shellHandlerAllowingAll(dir string) *ShellHandler {
	return &ShellHandler{Policy: &Policy{
		AllowedCommands: map[string]struct{}{}, // empty non-nil -> allow all
		AllowedPaths:    []string{dir},
	}}
}

func TestShellHandler_Exec_CapturesStdout(t *testing.T) {
	dir := t.TempDir()
	h := shellHandlerAllowingAll(dir)

	res, rpcErr := h.Exec(rcWithParams(t, execParams{Command: "echo hello"}))
	require.Nil(t, rpcErr)
	out := res.(execResult)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "hello\n", out.Stdout)
}

func TestShellHandler_Exec_RejectsDeniedCommand(t *testing.T) {
	dir := t.TempDir()
	h := &ShellHandler{Policy: &Policy{
		AllowedCommands: map[string]struct{}{"ls": {}},
		AllowedPaths:    []string{dir},
	}}

	_, rpcErr := h.Exec(rcWithParams(t, execParams{Command: "whoami"}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.InvalidParams, rpcErr.Code)
}

func TestShellHandler_Exec_RejectsShellMetacharacters(t *testing.T) {
	dir := t.TempDir()
	h := shellHandlerAllowingAll(dir)

	_, rpcErr := h.Exec(rcWithParams(t, execParams{Command: "echo hi; rm -rf /"}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.InvalidParams, rpcErr.Code)
}

func TestShellHandler_Exec_NonzeroExitCodeIsNotAnRPCError(t *testing.T) {
	dir := t.TempDir()
	h := shellHandlerAllowingAll(dir)

	res, rpcErr := h.Exec(rcWithParams(t, execParams{Command: "ls /no/such/path/at/all"}))
	require.Nil(t, rpcErr)
	out := res.(execResult)
	assert.NotEqual(t, 0, out.ExitCode)
}

func TestShellHandler_Exec_UnknownBinaryReportsCmdNotFound(t *testing.T) {
	dir := t.TempDir()
	h := shellHandlerAllowingAll(dir)

	_, rpcErr := h.Exec(rcWithParams(t, execParams{Command: "this-binary-does-not-exist-anywhere"}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.CmdNotFound, rpcErr.Code)
}

func TestShellHandler_Exec_WorkingDirIsEnforcedByPolicy(t *testing.T) {
	dir := t.TempDir()
	h := shellHandlerAllowingAll(dir)

	_, rpcErr := h.Exec(rcWithParams(t, execParams{Command: "echo hi", WorkingDir: "/etc"}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.PermissionDenied, rpcErr.Code)
}

func TestShellHandler_Exec_WorkingDirIsUsed(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	h := shellHandlerAllowingAll(dir)
	res, rpcErr := h.Exec(rcWithParams(t, execParams{Command: "pwd", WorkingDir: sub}))
	require.Nil(t, rpcErr)
	out := res.(execResult)
	assert.Equal(t, sub, strings.TrimSpace(out.Stdout))
}

func TestRestrictedEnv_DefaultsPathWhenAbsent(t *testing.T) {
	env := restrictedEnv(map[string]string{"FOO": "bar"})
	assert.Contains(t, env, "FOO=bar")
	assert.Contains(t, env, "PATH=/usr/bin:/bin")
}

func TestRestrictedEnv_HonorsCallerSuppliedPath(t *testing.T) {
	env := restrictedEnv(map[string]string{"PATH": "/custom/bin"})
	assert.Contains(t, env, "PATH=/custom/bin")
	assert.NotContains(t, env, "PATH=/usr/bin:/bin")
}
