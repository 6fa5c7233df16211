package cmd

import (
	"context"
	"os"
	"time"

	"github.com/rubiojr/swapsync/pkg/swapsync"
	"github.com/urfave/cli/v3"
)

// StatusCommand creates the status command
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Connect, sync and show the targeting state of the configured swaps",
		ArgsUsage: "[swap id...]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "How long to wait for sync responses",
				Value: 2 * time.Second,
			},
			&cli.StringFlag{
				Name:  "snapshot",
				Usage: "Render a saved snapshot instead of connecting",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if path := c.String("snapshot"); path != "" {
				return showSnapshot(path)
			}

			ctx, cancel := signalContext(ctx)
			defer cancel()

			svc, err := startService(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			if ids := c.Args().Slice(); len(ids) > 0 {
				svc.SubscribeToSwapTargeting(ids...)
			}
			settle(ctx, c.Duration("wait"))

			store := svc.Store()
			renderStatus(os.Stdout, svc.GetHealthCheck(), svc.GetMetrics(), store.Snapshot(), store.Now())
			return nil
		},
	}
}

func showSnapshot(path string) error {
	snap, err := loadSnapshot(path)
	if err != nil {
		return err
	}
	store, err := restoreSnapshot(snap)
	if err != nil {
		return err
	}
	health := swapsync.Health{Status: "snapshot of " + snap.Server}
	renderStatus(os.Stdout, health, swapsync.Metrics{UnreadCount: store.GetUnreadCount()}, store.Snapshot(), snap.TakenAt)
	return nil
}
