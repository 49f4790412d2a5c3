// Command guest-agent runs inside the guest VM, serving RPC requests
// over a virtio-serial character device.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/supermanc88/virtio-serial-rpc/internal/channel"
	"github.com/supermanc88/virtio-serial-rpc/internal/config"
	"github.com/supermanc88/virtio-serial-rpc/internal/guestserver"
	"github.com/supermanc88/virtio-serial-rpc/internal/guestserver/handlers"
	"github.com/supermanc88/virtio-serial-rpc/internal/obslog"
)

var log = obslog.With("guest-agent")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("guest-agent", flag.ContinueOnError)
	device := fs.String("device", "", "path to the virtio-serial character device (overrides config/env)")
	configPath := fs.String("config", "", "path to a YAML config file")
	logLevel := fs.String("log-level", "", "debug|info|warn|error (overrides config/env)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.LoadGuest(config.GuestOverrides{
		ConfigPath: *configPath,
		DevicePath: *device,
		LogLevel:   *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "guest-agent: load config: %v\n", err)
		return 1
	}
	obslog.SetLevel(cfg.LogLevel)

	policy := handlers.DefaultPolicy()
	if len(cfg.AllowedPaths) > 0 {
		policy.AllowedPaths = cfg.AllowedPaths
	}
	if len(cfg.ForbiddenPaths) > 0 {
		policy.ForbiddenPaths = cfg.ForbiddenPaths
	}
	if len(cfg.AllowedCommands) > 0 {
		policy.AllowedCommands = make(map[string]struct{}, len(cfg.AllowedCommands))
		for _, c := range cfg.AllowedCommands {
			policy.AllowedCommands[c] = struct{}{}
		}
	}

	fileHandler := handlers.NewFileHandler(policy)
	defer fileHandler.Close()

	router := guestserver.NewRouter()
	guestserver.RegisterRoutes(router, guestserver.RouteHandlers{
		File:  fileHandler,
		Shell: &handlers.ShellHandler{Policy: policy},
	})

	opener := func() (channel.Endpoint, error) {
		return channel.OpenGuest(cfg.DevicePath)
	}

	srv := guestserver.New(opener, router)
	srv.ReadTimeout = cfg.RequestTimeout
	srv.RequestTimeout = cfg.RequestTimeout
	if cfg.MaxRequestSize > 0 {
		srv.MaxBodyBytes = cfg.MaxRequestSize
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Infof("starting guest agent on %s", cfg.DevicePath)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
		srv.Stop()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			log.Warn("shutdown grace period exceeded")
		}
		return 0
	case err := <-done:
		if err != nil && err != context.Canceled {
			log.Errorf("server exited: %v", err)
			return 1
		}
		return 0
	}
}
