package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rubiojr/swapsync/pkg/optimistic"
	"github.com/rubiojr/swapsync/pkg/swapsync"
	"github.com/urfave/cli/v3"
)

type intentFunc func(svc *swapsync.Service, c *cli.Command) (*optimistic.Pending, error)

var intentFlags = []cli.Flag{
	&cli.DurationFlag{
		Name:  "timeout",
		Usage: "How long to wait for the server to confirm",
		Value: 30 * time.Second,
	},
	&cli.DurationFlag{
		Name:  "wait",
		Usage: "How long to wait for sync responses before acting",
		Value: 2 * time.Second,
	},
}

var proposalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "message",
		Usage: "Message attached to the proposal",
	},
	&cli.StringSliceFlag{
		Name:  "condition",
		Usage: "Condition attached to the proposal (repeatable)",
	},
}

// intentCommand builds a command that syncs, applies one action and waits
// for the server to confirm or reject it.
func intentCommand(name, usage, argsUsage string, nargs int, extra []cli.Flag, fn intentFunc) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: argsUsage,
		Flags:     append(append([]cli.Flag{}, intentFlags...), extra...),
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != nargs {
				return fmt.Errorf("%s expects %s", name, argsUsage)
			}
			ctx, cancel := signalContext(ctx)
			defer cancel()

			svc, err := startService(ctx, c)
			if err != nil {
				return err
			}
			defer svc.Close()

			// The action validates against synced state.
			svc.SubscribeToSwapTargeting(c.Args().First())
			settle(ctx, c.Duration("wait"))

			pending, err := fn(svc, c)
			if err != nil {
				return err
			}
			fmt.Printf("Sent %s (record %s), waiting for confirmation...\n", name, pending.RecordID)

			waitCtx, cancelWait := context.WithTimeout(ctx, c.Duration("timeout"))
			defer cancelWait()
			if err := pending.Wait(waitCtx); err != nil {
				var rb *optimistic.RollbackError
				if errors.As(err, &rb) {
					return fmt.Errorf("server rejected %s: %w", name, err)
				}
				return fmt.Errorf("no confirmation for %s: %w", name, err)
			}
			fmt.Printf("✓ %s confirmed\n", name)
			return nil
		},
	}
}

func TargetCommand() *cli.Command {
	return intentCommand("target", "Target another swap with one of yours", "<source swap> <target swap>", 2, proposalFlags,
		func(svc *swapsync.Service, c *cli.Command) (*optimistic.Pending, error) {
			return svc.TargetSwap(c.Args().Get(0), c.Args().Get(1), c.String("message"), c.StringSlice("condition"))
		})
}

func RetargetCommand() *cli.Command {
	return intentCommand("retarget", "Move the target of one of your swaps", "<source swap> <new target swap>", 2, proposalFlags,
		func(svc *swapsync.Service, c *cli.Command) (*optimistic.Pending, error) {
			return svc.Retarget(c.Args().Get(0), c.Args().Get(1), c.String("message"), c.StringSlice("condition"))
		})
}

func UntargetCommand() *cli.Command {
	return intentCommand("untarget", "Withdraw the target of one of your swaps", "<source swap>", 1, nil,
		func(svc *swapsync.Service, c *cli.Command) (*optimistic.Pending, error) {
			return svc.RemoveTarget(c.Args().First())
		})
}

func AcceptCommand() *cli.Command {
	return intentCommand("accept", "Accept an incoming target", "<swap> <target id>", 2, nil,
		func(svc *swapsync.Service, c *cli.Command) (*optimistic.Pending, error) {
			return svc.AcceptTarget(c.Args().Get(0), c.Args().Get(1))
		})
}

func RejectCommand() *cli.Command {
	return intentCommand("reject", "Reject an incoming target", "<swap> <target id>", 2, nil,
		func(svc *swapsync.Service, c *cli.Command) (*optimistic.Pending, error) {
			return svc.RejectTarget(c.Args().Get(0), c.Args().Get(1))
		})
}
