package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rubiojr/swapsync/pkg/version"
	"github.com/urfave/cli/v3"
)

func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print as JSON"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if !c.Bool("json") {
				fmt.Println(version.BuildVersion())
				return nil
			}
			info := map[string]string{"version": version.Version, "api_version": version.APIVersion()}
			if version.Commit != "" {
				info["commit"] = version.Commit
			}
			data, err := json.Marshal(info)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
