package main

import (
	"context"
	"log"
	"os"

	"github.com/rubiojr/swapsync/cmd"
	"github.com/rubiojr/swapsync/pkg/config"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "swapsync",
		Usage: "Real-time swap targeting sync client",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: getDefaultConfigPathOrExit(),
			},
		},
		Commands: []*cli.Command{
			cmd.InitCommand(),
			cmd.WatchCommand(),
			cmd.TailCommand(),
			cmd.StatusCommand(),
			cmd.TargetCommand(),
			cmd.RetargetCommand(),
			cmd.UntargetCommand(),
			cmd.AcceptCommand(),
			cmd.RejectCommand(),
			cmd.SnapshotCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func getDefaultConfigPathOrExit() string {
	path, err := config.GetDefaultConfigPath()
	if err != nil {
		log.Fatalf("Failed to get default config path: %v", err)
	}
	return path
}
