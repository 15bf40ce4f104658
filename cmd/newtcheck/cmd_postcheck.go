package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/verify"
)

var postcheckCmd = &cobra.Command{
	Use:   "postcheck <batch-id> [device...]",
	Short: "Capture command output after a change and diff it",
	Long: `Replay a batch's precheck commands on its devices and diff the output.

Without device arguments every device whose precheck completed is checked.
Credentials are resolved again from the inventory or prompted for; they are
never stored with the batch.

Examples:
  newtcheck postcheck 3f0c... -i devices.yaml
  newtcheck postcheck 3f0c... -i devices.yaml bigip-a`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchID := args[0]
		inv, selectors, err := loadInventory()
		if err != nil {
			return err
		}
		selectors = append(selectors, splitSelectors(args[1:])...)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		svc, err := openService(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer svc.Close()

		if len(selectors) == 0 {
			status, err := svc.orch.GetBatchStatus(ctx, batchID)
			if err != nil {
				return err
			}
			for _, d := range status.Devices {
				if d.PrecheckStatus == model.CheckCompleted {
					selectors = append(selectors, d.DeviceAddress)
				}
			}
			if len(selectors) == 0 {
				return fmt.Errorf("batch %s has no completed prechecks", batchID)
			}
		}
		targets, err := resolveTargets(inv, selectors)
		if err != nil {
			return err
		}

		res, err := svc.orch.StartPostcheck(ctx, batchID, verify.PostcheckRequest{
			Devices:   targets,
			CreatedBy: userName,
		})
		if err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Batch %s: postcheck of %d devices\n", bold(res.BatchID), len(targets))
		}
		if err := waitForBatch(ctx, svc.orch, batchID); err != nil {
			return err
		}
		view, err := svc.orch.GetBatchDiff(ctx, batchID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(view)
		}
		fmt.Println()
		printDiffSummary(view)
		return nil
	},
}

func init() {
	addDeviceFlags(postcheckCmd.Flags())
}
