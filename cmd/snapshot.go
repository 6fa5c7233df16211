package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rubiojr/swapsync/pkg/targeting"
	"github.com/urfave/cli/v3"
)

// snapshotFile is the on-disk snapshot format.
type snapshotFile struct {
	TakenAt time.Time                 `json:"taken_at"`
	Server  string                    `json:"server"`
	Swaps   []targeting.SwapTargeting `json:"swaps"`
}

// SnapshotCommand creates the snapshot command
func SnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Sync the configured swaps and dump the targeting state as JSON",
		ArgsUsage: "[output file, .zst for zstd compression, - for stdout]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "How long to wait for sync responses",
				Value: 2 * time.Second,
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
			settle(ctx, c.Duration("wait"))

			snap := snapshotFile{
				TakenAt: svc.Store().Now(),
				Server:  svc.Config().ServerURL,
				Swaps:   svc.Store().Snapshot(),
			}
			path := c.Args().First()
			if path == "" || path == "-" {
				return writeSnapshot(os.Stdout, snap, false)
			}
			if err := saveSnapshot(path, snap); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Wrote %d swap(s) to %s\n", len(snap.Swaps), path)
			return nil
		},
	}
}

func isCompressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

func saveSnapshot(path string, snap snapshotFile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	if err := writeSnapshot(f, snap, isCompressed(path)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeSnapshot(w io.Writer, snap snapshotFile, compress bool) error {
	if !compress {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		return nil
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		zw.Close()
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flushing zstd encoder: %w", err)
	}
	return nil
}

// loadSnapshot reads a file written by saveSnapshot.
func loadSnapshot(path string) (snapshotFile, error) {
	var snap snapshotFile
	f, err := os.Open(path)
	if err != nil {
		return snap, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if isCompressed(path) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return snap, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// restoreSnapshot loads a snapshot into a fresh store for offline rendering.
func restoreSnapshot(snap snapshotFile) (*targeting.Store, error) {
	store := targeting.NewStore(targeting.Options{Now: func() time.Time { return snap.TakenAt }})
	for _, st := range snap.Swaps {
		if err := store.Merge(st); err != nil {
			return nil, fmt.Errorf("restoring swap %s: %w", st.SwapID, err)
		}
	}
	return store, nil
}
