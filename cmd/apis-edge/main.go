// apis-edge runs the laser deterrent control core: safety layer, laser,
// servos, arm button, targeting, status LED, audit log and the local
// operator API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/teslashibe/apis-edge/internal/config"
	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/device"
)

func main() {
	cfg, frames, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(2)
	}
	log.Init(cfg.LogLevel)

	dev, err := device.New(cfg)
	if err != nil {
		log.Error("initialization failed", "error", err)
		os.Exit(1)
	}
	defer dev.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go resetOnSignal(ctx, dev)

	if frames != "" {
		go func() {
			if err := feedDetections(ctx, frames, dev.Detections()); err != nil {
				log.Error("detection input stopped", "error", err)
			}
		}()
	}

	if err := dev.Run(ctx); err != nil {
		log.Error("runtime error", "error", err)
		dev.Shutdown()
		os.Exit(1)
	}
}

// loadConfig layers defaults, the YAML file, APIS_* variables and flags.
func loadConfig() (config.Device, string, error) {
	fs := pflag.NewFlagSet("apis-edge", pflag.ContinueOnError)
	path := fs.StringP("config", "c", config.DefaultPath, "device configuration file")
	mock := fs.Bool("mock", false, "use mock hardware")
	port := fs.IntP("port", "p", 0, "operator API port (overrides web.addr)")
	level := fs.String("log-level", "", "debug, info, warn or error")
	db := fs.String("db", "", "audit log database path")
	frames := fs.String("detections", "", "read detection frames as JSON lines from this file, - for stdin")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return config.Device{}, "", err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return cfg, "", err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, "", err
	}

	if fs.Changed("mock") {
		cfg.Hardware.Mock = *mock
	}
	if *port != 0 {
		cfg.Web.Addr = fmt.Sprintf(":%d", *port)
	}
	if *level != "" {
		cfg.LogLevel = *level
	}
	if *db != "" {
		cfg.EventLog.Path = *db
	}
	return cfg, *frames, cfg.Validate()
}

// resetOnSignal lets a local operator leave safe mode with SIGUSR1. The
// device stays disarmed; a physical emergency stop still refuses it.
func resetOnSignal(ctx context.Context, dev *device.Device) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := dev.Safety().Reset(); err != nil {
				log.Warn("safety reset refused", "error", err)
				continue
			}
			log.Info("safety reset by local operator")
		}
	}
}
