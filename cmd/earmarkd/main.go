package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quietwire/earmark/internal/audio"
	"github.com/quietwire/earmark/internal/config"
	"github.com/quietwire/earmark/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		listDevices bool
	)

	flag.StringVar(&configPath, "config", "earmark.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&listDevices, "list-devices", false, "Print capture devices and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// Bootstrap logger for everything before the config is loaded.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if listDevices {
		devices, err := audio.ListDevices()
		if err != nil {
			logger.Error("failed to list devices", slog.String("error", err.Error()))
			os.Exit(1)
		}
		for _, d := range devices {
			fmt.Println(formatDevice(d))
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		if errors.Is(err, audio.ErrDeviceUnavailable) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func formatDevice(d audio.Device) string {
	marker := " "
	if d.Default {
		marker = "*"
	}
	return fmt.Sprintf("%s %3d  %s (%d channels)", marker, d.ID, d.Name, d.Channels)
}
