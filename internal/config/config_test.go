package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHost_Defaults(t *testing.T) {
	cfg, err := LoadHost(HostOverrides{})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
}

func TestLoadHost_FileThenOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket_path: /var/run/from-file.sock\nmax_retries: 7\n"), 0o644))

	cfg, err := LoadHost(HostOverrides{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "/var/run/from-file.sock", cfg.SocketPath)
	assert.Equal(t, 7, cfg.MaxRetries)

	cfg2, err := LoadHost(HostOverrides{ConfigPath: path, SocketPath: "/var/run/override.sock"})
	require.NoError(t, err)
	assert.Equal(t, "/var/run/override.sock", cfg2.SocketPath)
}

func TestLoadHost_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadHost(HostOverrides{ConfigPath: "/nonexistent/host.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "", cfg.SocketPath)
}

func TestLoadHost_EnvOverridesFileButNotFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket_path: /var/run/from-file.sock\n"), 0o644))
	t.Setenv("VIRTIO_SOCKET", "/var/run/from-env.sock")

	cfg, err := LoadHost(HostOverrides{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "/var/run/from-env.sock", cfg.SocketPath)

	cfg2, err := LoadHost(HostOverrides{ConfigPath: path, SocketPath: "/var/run/from-flag.sock"})
	require.NoError(t, err)
	assert.Equal(t, "/var/run/from-flag.sock", cfg2.SocketPath)
}

func TestLoadGuest_Defaults(t *testing.T) {
	cfg, err := LoadGuest(GuestOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "/dev/virtio-ports/org.qemu.guest_agent.rpc", cfg.DevicePath)
	assert.False(t, cfg.EnableAuth)
}

func TestLoadGuest_FileAllowLists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guest.yaml")
	yaml := "allowed_commands:\n  - ls\n  - cat\nallowed_paths:\n  - /tmp/\n  - /var/log/\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadGuest(GuestOverrides{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "cat"}, cfg.AllowedCommands)
	assert.Equal(t, []string{"/tmp/", "/var/log/"}, cfg.AllowedPaths)
}
