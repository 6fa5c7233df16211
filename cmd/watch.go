package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rubiojr/swapsync/pkg/api"
	"github.com/rubiojr/swapsync/pkg/bridge"
	"github.com/rubiojr/swapsync/pkg/config"
	"github.com/rubiojr/swapsync/pkg/log"
	"github.com/rubiojr/swapsync/pkg/realtime"
	"github.com/rubiojr/swapsync/pkg/swapsync"
	"github.com/urfave/cli/v3"
)

var watchLogger = log.ForService("watch")

// WatchCommand creates the watch command
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stay connected, print targeting activity and serve the status API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Status API address (overrides [api] listen, empty disables it)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print notifications as JSON lines",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, cancel := signalContext(ctx)
			defer cancel()

			svc, err := startService(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			listen := svc.Config().API.Listen
			if c.IsSet("listen") {
				listen = c.String("listen")
			}
			if listen != "" {
				reg := prometheus.NewRegistry()
				if err := svc.RegisterMetrics(reg); err != nil {
					return err
				}
				srv := api.NewServer(svc, reg)
				go func() {
					if err := srv.ListenAndServe(ctx, listen); err != nil {
						watchLogger.Errorf("status API: %v", err)
					}
				}()
			}

			if socket := svc.Config().API.EventSocket; socket != "" {
				b := bridge.New(socket, 0)
				if err := b.Start(); err != nil {
					return err
				}
				defer b.Stop()
				go b.Forward(ctx, svc.Hub())
			}

			return watch(ctx, svc, c.String("config"), os.Stdout, c.Bool("json"))
		},
	}
}

// watch prints hub notifications until ctx is done, reloading the swap
// subscriptions whenever the config file changes.
func watch(ctx context.Context, svc *swapsync.Service, configPath string, w io.Writer, asJSON bool) error {
	id, events := svc.Events()
	defer svc.StopEvents(id)

	var fileEvents <-chan fsnotify.Event
	var fileErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		watchLogger.Warnf("failed to create config file watcher: %v", err)
	} else {
		defer func() {
			if err := watcher.Close(); err != nil {
				watchLogger.Warnf("failed to close config file watcher: %v", err)
			}
		}()
		if err := watcher.Add(configPath); err != nil {
			watchLogger.Warnf("failed to watch config file %s: %v", configPath, err)
		} else {
			watchLogger.Infof("watching config file for changes: %s", configPath)
			fileEvents, fileErrors = watcher.Events, watcher.Errors
		}
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nShutting down...")
			return nil
		case n, ok := <-events:
			if !ok {
				return nil
			}
			printNotification(w, n, asJSON)
		case event, ok := <-fileEvents:
			if !ok {
				fileEvents = nil
				continue
			}
			// Editors often replace the file instead of writing it.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(configPath); os.IsNotExist(err) {
					watchLogger.Warnf("config file was removed and not replaced, skipping reload")
					continue
				}
				if err := watcher.Add(configPath); err != nil {
					watchLogger.Warnf("failed to re-add config file to watcher: %v", err)
				}
			} else {
				time.Sleep(100 * time.Millisecond)
			}
			if err := reloadSubscriptions(svc, configPath); err != nil {
				watchLogger.Errorf("failed to reload configuration: %v", err)
			}
		case err, ok := <-fileErrors:
			if !ok {
				fileErrors = nil
				continue
			}
			watchLogger.Warnf("config file watcher error: %v", err)
		}
	}
}

// reloadSubscriptions applies the swaps list of the config file. Other
// settings need a restart.
func reloadSubscriptions(svc *swapsync.Service, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	added, removed := svc.SetSubscriptions(cfg.Swaps)
	if len(added) > 0 || len(removed) > 0 {
		watchLogger.Infof("subscriptions reloaded: +%v -%v", added, removed)
	}
	return nil
}

func printNotification(w io.Writer, n realtime.Notification, asJSON bool) {
	if asJSON {
		data, err := json.Marshal(n)
		if err != nil {
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}

	line := n.Time.Local().Format("15:04:05") + " " + n.Kind
	switch {
	case n.EventType != "" && n.SwapID != "":
		line += fmt.Sprintf(" %s swap=%s", n.EventType, n.SwapID)
	case n.SwapID != "":
		line += " swap=" + n.SwapID
	case n.EventType != "":
		line += " " + n.EventType
	}
	if n.TargetID != "" {
		line += " target=" + n.TargetID
	}
	if n.MessageID != "" {
		line += " message=" + n.MessageID
	}
	if n.Attempt > 0 {
		line += fmt.Sprintf(" attempt=%d in %s", n.Attempt, n.Delay)
	}
	if n.Error != "" {
		line += " error=" + n.Error
	}
	fmt.Fprintln(w, line)
}
