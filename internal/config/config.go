// Package config loads the host and guest option structs from a YAML
// file, then layers environment variables and explicit overrides on
// top, mirroring the three-layer merge every entrypoint in this module
// uses instead of a global mutable configuration singleton.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HostConfig configures the host client / CLI process.
type HostConfig struct {
	SocketPath     string        `yaml:"socket_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	LogLevel       string        `yaml:"log_level"`
	LogFile        string        `yaml:"log_file"`
}

// GuestConfig configures the guest agent process.
type GuestConfig struct {
	DevicePath        string        `yaml:"device_path"`
	BufferSize        int           `yaml:"buffer_size"`
	MaxRequestSize    int           `yaml:"max_request_size"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	EnableAuth        bool          `yaml:"enable_auth"`
	AllowedCommands   []string      `yaml:"allowed_commands"`
	AllowedPaths      []string      `yaml:"allowed_paths"`
	ForbiddenPaths    []string      `yaml:"forbidden_paths"`
	LogLevel          string        `yaml:"log_level"`
	LogFile           string        `yaml:"log_file"`
}

// HostOverrides carries flag values that win over both file and
// environment when non-zero.
type HostOverrides struct {
	ConfigPath string
	SocketPath string
	LogLevel   string
	Timeout    time.Duration
}

// LoadHost builds a HostConfig from defaults, an optional YAML file, the
// VIRTIO_* environment variables, then ov.
func LoadHost(ov HostOverrides) (HostConfig, error) {
	cfg := HostConfig{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxRetries:     3,
		RetryInterval:  1 * time.Second,
		BackoffFactor:  2.0,
		LogLevel:       "info",
	}

	if ov.ConfigPath != "" {
		if err := mergeYAMLFile(ov.ConfigPath, &cfg); err != nil {
			return HostConfig{}, err
		}
	}

	if v := os.Getenv("VIRTIO_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("VIRTIO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VIRTIO_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}

	if ov.SocketPath != "" {
		cfg.SocketPath = ov.SocketPath
	}
	if ov.LogLevel != "" {
		cfg.LogLevel = ov.LogLevel
	}
	if ov.Timeout > 0 {
		cfg.ReadTimeout = ov.Timeout
	}

	return cfg, nil
}

// GuestOverrides carries flag values for the guest entrypoint.
type GuestOverrides struct {
	ConfigPath string
	DevicePath string
	LogLevel   string
}

// LoadGuest builds a GuestConfig from defaults, an optional YAML file,
// the VIRTIO_* environment variables, then ov.
func LoadGuest(ov GuestOverrides) (GuestConfig, error) {
	cfg := GuestConfig{
		DevicePath:     "/dev/virtio-ports/org.qemu.guest_agent.rpc",
		BufferSize:     64 * 1024,
		MaxRequestSize: 10 * 1024 * 1024,
		RequestTimeout: 30 * time.Second,
		EnableAuth:     false,
		LogLevel:       "info",
	}

	if ov.ConfigPath != "" {
		if err := mergeYAMLFile(ov.ConfigPath, &cfg); err != nil {
			return GuestConfig{}, err
		}
	}

	if v := os.Getenv("VIRTIO_DEVICE"); v != "" {
		cfg.DevicePath = v
	}
	if v := os.Getenv("VIRTIO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VIRTIO_ALLOWED_COMMANDS"); v != "" {
		cfg.AllowedCommands = strings.Split(v, ",")
	}

	if ov.DevicePath != "" {
		cfg.DevicePath = ov.DevicePath
	}
	if ov.LogLevel != "" {
		cfg.LogLevel = ov.LogLevel
	}

	return cfg, nil
}

func mergeYAMLFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, dst)
}
