package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/proxy"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	server, err := proxy.New(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create proxy server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := reload(ctx, server, configPath); err != nil {
					logrus.Errorf("Reload failed, keeping the current version: %v", err)
				}
			}
		}
	}()

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start()
	}()

	select {
	case err := <-errs:
		if err != nil {
			logrus.Fatalf("Server failed: %v", err)
		}
	case <-ctx.Done():
		logrus.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("Shutdown failed: %v", err)
		}
	}
}

// loadConfig loads and validates the configuration, then applies its log level
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := cfg.GetLogLevel()
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)

	return cfg, nil
}

// reload installs the cache version and assets currently in the config file.
// Other settings only change on restart.
func reload(ctx context.Context, server *proxy.Server, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	logrus.Infof("Reloading, installing version %s", cfg.App.Version)
	return server.Update(ctx, cfg.App.Version, cfg.App.Assets)
}
