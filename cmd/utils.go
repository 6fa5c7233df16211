package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rubiojr/swapsync/pkg/config"
	"github.com/rubiojr/swapsync/pkg/log"
	"github.com/rubiojr/swapsync/pkg/swapsync"
	"github.com/urfave/cli/v3"
)

// setupLogging applies the global --debug flag.
func setupLogging(c *cli.Command) {
	if c.Bool("debug") {
		log.SetGlobalDebug(true)
	}
}

// loadConfig reads the --config file and fails when no server token is set,
// since every command here talks to the server.
func loadConfig(c *cli.Command) (*config.Config, error) {
	configPath := c.String("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("no token configured in %s (run 'swapsync init' and edit it)", configPath)
	}
	return cfg, nil
}

// startService builds and starts a service from the --config file.
func startService(ctx context.Context, c *cli.Command) (*swapsync.Service, error) {
	setupLogging(c)
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	svc, err := swapsync.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("starting sync: %w", err)
	}
	return svc, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// settle waits for d or until ctx is done, giving sync responses time to land.
func settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
