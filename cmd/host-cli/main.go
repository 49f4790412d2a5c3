// Command host-cli is a thin command-line front end over hostclient,
// one subcommand per RPC the guest agent exposes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/supermanc88/virtio-serial-rpc/internal/config"
	"github.com/supermanc88/virtio-serial-rpc/internal/hostclient"
	"github.com/supermanc88/virtio-serial-rpc/internal/obslog"
	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

// Exit codes: 0 success, 1 usage/protocol error, 2 connection error,
// 3 the guest reported a business error.
const (
	exitOK          = 0
	exitUsage       = 1
	exitConnection  = 2
	exitRemoteError = 3
)

func main() {
	os.Exit(mainRun(os.Args[1:]))
}

func mainRun(args []string) int {
	global := flag.NewFlagSet("host-cli", flag.ContinueOnError)
	socket := global.String("socket", "", "path to the host UDS (default: $VIRTIO_SOCKET or config)")
	configPath := global.String("config", "", "path to a YAML config file")
	debug := global.Bool("debug", false, "enable debug logging")
	raw := global.Bool("raw", false, "print the raw JSON envelope instead of a formatted result")
	timeout := global.Duration("timeout", 0, "override the default read timeout")
	global.SetOutput(os.Stderr)
	global.Usage = printUsage

	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	if global.NArg() == 0 {
		printUsage()
		return exitUsage
	}
	sub := global.Arg(0)

	logLevel := ""
	if *debug {
		logLevel = "debug"
	}
	cfg, err := config.LoadHost(config.HostOverrides{
		ConfigPath: *configPath,
		SocketPath: *socket,
		LogLevel:   logLevel,
		Timeout:    *timeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "host-cli: load config: %v\n", err)
		return exitUsage
	}
	obslog.SetLevel(cfg.LogLevel)

	if cfg.SocketPath == "" {
		fmt.Fprintln(os.Stderr, "host-cli: no socket path given (use --socket, VIRTIO_SOCKET, or a config file)")
		return exitUsage
	}

	client := hostclient.New(hostclient.Config{
		SocketPath:     cfg.SocketPath,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxRetries:     cfg.MaxRetries,
		RetryInterval:  cfg.RetryInterval,
		BackoffFactor:  cfg.BackoffFactor,
	})
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ReadTimeout+cfg.ConnectTimeout)
	defer cancel()

	result, err := dispatch(ctx, client, sub, global.Args()[1:])
	if err != nil {
		if rpcErr, ok := err.(*protocol.RPCError); ok {
			fmt.Fprintf(os.Stderr, "host-cli: remote error %d: %s\n", rpcErr.Code, rpcErr.Message)
			return exitRemoteError
		}
		fmt.Fprintf(os.Stderr, "host-cli: %v\n", err)
		if errors.Is(err, protocol.ErrConnectionLost) || errors.Is(err, protocol.ErrConnectionRefused) ||
			errors.Is(err, protocol.ErrNotConnected) || errors.Is(err, protocol.ErrIOTimeout) ||
			errors.Is(err, context.DeadlineExceeded) {
			return exitConnection
		}
		return exitUsage
	}

	printResult(result, *raw)
	return exitOK
}

func dispatch(ctx context.Context, c *hostclient.Client, sub string, rest []string) (any, error) {
	switch sub {
	case "ping":
		return c.Ping(ctx)

	case "info":
		return c.GetSystemInfo(ctx)

	case "status":
		return c.GetSystemStatus(ctx)

	case "exec":
		fs := flag.NewFlagSet("exec", flag.ContinueOnError)
		timeoutSec := fs.Int("t", 30, "command timeout in seconds")
		workDir := fs.String("dir", "", "working directory")
		envList := fs.String("env", "", "comma-separated KEY=VALUE pairs")
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		if fs.NArg() < 1 {
			return nil, fmt.Errorf("exec requires a command argument")
		}
		return c.ExecCommand(ctx, strings.Join(fs.Args(), " "), *timeoutSec, *workDir, parseEnvList(*envList))

	case "upload":
		fs := flag.NewFlagSet("upload", flag.ContinueOnError)
		mode := fs.String("mode", "0644", "octal file mode")
		overwrite := fs.Bool("overwrite", false, "overwrite an existing remote file")
		chunkSize := fs.Int("chunk-size", 0, "chunk size in bytes (0 = default)")
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		if fs.NArg() != 2 {
			return nil, fmt.Errorf("upload requires <local-path> <remote-path>")
		}
		return c.UploadFile(ctx, fs.Arg(0), fs.Arg(1), *mode, *overwrite, *chunkSize)

	case "download":
		fs := flag.NewFlagSet("download", flag.ContinueOnError)
		chunkSize := fs.Int("chunk-size", 0, "chunk size in bytes (0 = default)")
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		if fs.NArg() != 2 {
			return nil, fmt.Errorf("download requires <remote-path> <local-path>")
		}
		return c.DownloadFile(ctx, fs.Arg(0), fs.Arg(1), *chunkSize)

	case "file-info":
		fs := flag.NewFlagSet("file-info", flag.ContinueOnError)
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		if fs.NArg() != 1 {
			return nil, fmt.Errorf("file-info requires <remote-path>")
		}
		return c.GetFileInfo(ctx, fs.Arg(0))

	case "service":
		fs := flag.NewFlagSet("service", flag.ContinueOnError)
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		if fs.NArg() != 2 {
			return nil, fmt.Errorf("service requires <name> <start|stop|restart|status|enable|disable|reload>")
		}
		return c.ControlService(ctx, fs.Arg(0), fs.Arg(1))

	default:
		return nil, fmt.Errorf("unknown subcommand: %s", sub)
	}
}

func parseEnvList(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

func printResult(result any, raw bool) {
	if raw {
		enc, _ := json.Marshal(result)
		fmt.Println(string(enc))
		return
	}
	enc, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", result)
		return
	}
	fmt.Println(string(enc))
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: host-cli [global flags] <subcommand> [args]

subcommands:
  ping
  info
  status
  exec [-t seconds] [-dir path] [-env K=V,K=V] <command...>
  upload [-mode 0644] [-overwrite] [-chunk-size n] <local-path> <remote-path>
  download [-chunk-size n] <remote-path> <local-path>
  file-info <remote-path>
  service <name> <start|stop|restart|status|enable|disable|reload>

global flags:
  -socket path       host UDS path (default: $VIRTIO_SOCKET or config)
  -config path       YAML config file
  -debug             enable debug logging
  -raw               print raw JSON instead of formatted output
  -timeout duration  override the read timeout`)
}
