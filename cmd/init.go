package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rubiojr/swapsync/pkg/config"
	"github.com/urfave/cli/v3"
)

// InitCommand writes a starter configuration file. Without flags it writes
// the commented sample; with any of --server, --token, --user-id or --swap it
// writes a complete config holding those values.
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a starter configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Realtime endpoint (ws:// or wss://)"},
			&cli.StringFlag{Name: "token", Usage: "Bearer token"},
			&cli.StringFlag{Name: "user-id", Usage: "User id for the per-user channels"},
			&cli.StringSliceFlag{Name: "swap", Usage: "Swap to subscribe at startup (repeatable)"},
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file (only with explicit values)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			opts := initOptions{
				server: c.String("server"),
				token:  c.String("token"),
				userID: c.String("user-id"),
				swaps:  c.StringSlice("swap"),
				force:  c.Bool("force"),
			}
			return initConfig(c.String("config"), opts, os.Stdout)
		},
	}
}

type initOptions struct {
	server string
	token  string
	userID string
	swaps  []string
	force  bool
}

func (o initOptions) explicit() bool {
	return o.server != "" || o.token != "" || o.userID != "" || len(o.swaps) > 0
}

func initConfig(configPath string, opts initOptions, w io.Writer) error {
	if !opts.explicit() {
		cfg := config.GetDefaultConfig()
		if err := cfg.SaveTemplateConfig(configPath); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
		fmt.Fprintf(w, "Configuration initialized at %s\n", configPath)
		fmt.Fprintln(w, "Set server_url and token, then run `swapsync watch`.")
		return nil
	}

	if _, err := os.Stat(configPath); err == nil && !opts.force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.GetDefaultConfig()
	if opts.server != "" {
		cfg.ServerURL = opts.server
	}
	cfg.Token = opts.token
	cfg.UserID = opts.userID
	cfg.Swaps = opts.swaps
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.SaveConfig(configPath); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Fprintf(w, "Configuration written to %s (%d swap(s))\n", configPath, len(cfg.Swaps))
	return nil
}
