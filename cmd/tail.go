package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rubiojr/swapsync/pkg/bridge"
	"github.com/rubiojr/swapsync/pkg/config"
	"github.com/urfave/cli/v3"
)

// TailCommand tails the notification socket of a running `swapsync watch`
// and writes NDJSON frames to stdout.
//
// Typical usage:
//
//	swapsync tail --socket /tmp/swapsync.sock
//	swapsync tail                                 (uses [api] event_socket)
//	swapsync tail --kind state_changed --swap S1 | jq -r .notification.target_id
//
// Only notification frames are printed unless --all is set. The command
// reconnects with exponential backoff until the context is cancelled, or
// exits on the first failure with --no-retry.
func TailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream notifications (NDJSON) from the watch command's event socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "Path to Unix domain socket (overrides [api] event_socket)",
			},
			&cli.StringSliceFlag{
				Name:  "kind",
				Usage: "Only print notifications of this kind (repeatable)",
			},
			&cli.StringFlag{
				Name:  "swap",
				Usage: "Only print notifications about this swap",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Print heartbeat and info frames too",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print JSON instead of raw single-line",
			},
			&cli.BoolFlag{
				Name:  "no-retry",
				Usage: "Do not retry on failures; exit on first connection error",
			},
			&cli.DurationFlag{
				Name:  "initial-backoff",
				Usage: "Initial reconnect backoff",
				Value: 1 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "max-backoff",
				Usage: "Maximum reconnect backoff",
				Value: 30 * time.Second,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			socketPath := c.String("socket")
			if socketPath == "" {
				cfg, err := config.LoadConfig(c.String("config"))
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				socketPath = cfg.API.EventSocket
			}
			if socketPath == "" {
				return errors.New("no socket path provided (flag --socket or [api] event_socket required)")
			}

			ctx, cancel := signalContext(ctx)
			defer cancel()

			opts := tailOptions{
				socketPath:     socketPath,
				kinds:          c.StringSlice("kind"),
				swapID:         c.String("swap"),
				includeAll:     c.Bool("all"),
				pretty:         c.Bool("pretty"),
				noRetry:        c.Bool("no-retry"),
				initialBackoff: c.Duration("initial-backoff"),
				maxBackoff:     c.Duration("max-backoff"),
				stdout:         os.Stdout,
				stderr:         os.Stderr,
			}
			err := tailSocket(ctx, opts)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

type tailOptions struct {
	socketPath     string
	kinds          []string
	swapID         string
	includeAll     bool
	pretty         bool
	noRetry        bool
	initialBackoff time.Duration
	maxBackoff     time.Duration
	stdout         io.Writer
	stderr         io.Writer
}

func tailSocket(ctx context.Context, opts tailOptions) error {
	if opts.initialBackoff <= 0 {
		opts.initialBackoff = time.Second
	}
	if opts.maxBackoff < opts.initialBackoff {
		opts.maxBackoff = 30 * time.Second
	}

	_, _ = fmt.Fprintf(opts.stderr, "Tail: connecting to %s\n", opts.socketPath)
	backoff := opts.initialBackoff
	var dialer net.Dialer

	for {
		conn, err := dialer.DialContext(ctx, "unix", opts.socketPath)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if opts.noRetry {
				return fmt.Errorf("dial: %w", err)
			}
			_, _ = fmt.Fprintf(opts.stderr, "Tail: dial failed (%v), retrying in %s\n", err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, opts.maxBackoff)
			continue
		}

		_, _ = fmt.Fprintf(opts.stderr, "Tail: connected\n")
		backoff = opts.initialBackoff

		if err := streamFrames(ctx, conn, opts); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if opts.noRetry {
				return err
			}
			_, _ = fmt.Fprintf(opts.stderr, "Tail: stream error (%v), reconnecting...\n", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		if opts.noRetry {
			return nil
		}
		_, _ = fmt.Fprintf(opts.stderr, "Tail: disconnected, attempting reconnect...\n")
	}
}

func streamFrames(ctx context.Context, conn net.Conn, opts tailOptions) error {
	defer func() { _ = conn.Close() }()

	// Unblock the scanner when the context ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 512*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var frame bridge.Frame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			if opts.includeAll {
				_, _ = fmt.Fprintln(opts.stdout, line)
			}
			continue
		}
		if !opts.wants(frame) {
			continue
		}

		if opts.pretty {
			var anyJSON any
			if err := json.Unmarshal([]byte(line), &anyJSON); err == nil {
				if b, err := json.MarshalIndent(anyJSON, "", "  "); err == nil {
					_, _ = fmt.Fprintln(opts.stdout, string(b))
					continue
				}
			}
		}
		_, _ = fmt.Fprintln(opts.stdout, line)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read error: %w", err)
	}
	return nil
}

func (o tailOptions) wants(f bridge.Frame) bool {
	if f.Type != bridge.FrameNotification {
		return o.includeAll
	}
	n := f.Notification
	if n == nil {
		return false
	}
	if len(o.kinds) > 0 && !slices.Contains(o.kinds, n.Kind) {
		return false
	}
	if o.swapID != "" && n.SwapID != o.swapID {
		return false
	}
	return true
}
