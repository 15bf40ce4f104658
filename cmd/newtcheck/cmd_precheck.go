package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtcheck/pkg/verify"
)

var precheckCommands []string

var precheckCmd = &cobra.Command{
	Use:   "precheck [device...]",
	Short: "Capture command output before a change",
	Long: `Run read-only commands on every selected device and store their output as a
new batch. Devices come from the inventory (all of them unless some are named)
or from -d/--username. Commands come from -c, or from the inventory.

The whole request is rejected if any command is not read-only.

Examples:
  newtcheck precheck -i devices.yaml -c "show sys version"
  newtcheck precheck -i devices.yaml bigip-a bigip-b
  newtcheck precheck -d 10.0.0.1 --username admin -c "list ltm pool"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, selectors, err := loadInventory()
		if err != nil {
			return err
		}
		selectors = append(selectors, splitSelectors(args)...)
		targets, err := resolveTargets(inv, selectors)
		if err != nil {
			return err
		}
		commands := precheckCommands
		if len(commands) == 0 {
			commands = inv.Commands
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		svc, err := openService(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.orch.StartPrecheck(ctx, verify.PrecheckRequest{
			Devices:   targets,
			Commands:  commands,
			CreatedBy: userName,
		})
		if err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Batch %s: precheck of %d devices, %d commands\n", bold(res.BatchID), len(targets), len(commands))
		}
		if err := waitForBatch(ctx, svc.orch, res.BatchID); err != nil {
			return err
		}
		return printStatus(ctx, svc.orch, res.BatchID)
	},
}

func init() {
	precheckCmd.Flags().StringArrayVarP(&precheckCommands, "command", "c", nil, "Command to capture (repeatable)")
	addDeviceFlags(precheckCmd.Flags())
}
