package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtcheck/pkg/cli"
	"github.com/newtron-network/newtcheck/pkg/util"
	"github.com/newtron-network/newtcheck/pkg/verify"
)

var statusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show batch and per-device progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		svc, err := openService(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer svc.Close()
		return printStatus(ctx, svc.orch, args[0])
	},
}

func printStatus(ctx context.Context, orch *verify.Orchestrator, batchID string) error {
	view, err := orch.GetBatchStatus(ctx, batchID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(view)
	}

	fmt.Printf("%s %s\n", cli.DotPad("Batch", 12), view.BatchID)
	fmt.Printf("%s %s\n", cli.DotPad("Status", 12), cli.Status(string(view.Status)))
	fmt.Printf("%s %s\n", cli.DotPad("Created", 12), view.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if view.CreatedBy != "" {
		fmt.Printf("%s %s\n", cli.DotPad("Created by", 12), view.CreatedBy)
	}
	fmt.Printf("%s %d/%d\n\n", cli.DotPad("Devices", 12), view.CompletedDevices, view.TotalDevices)

	t := cli.NewTable("DEVICE", "PRECHECK", "POSTCHECK", "PROGRESS", "DETAIL")
	for _, d := range view.Devices {
		post := "-"
		if d.PostcheckStatus != "" {
			post = cli.Status(string(d.PostcheckStatus))
		}
		detail := d.StatusDetail
		if d.Error != "" {
			detail += ": " + util.Truncate(d.Error, 60)
		}
		t.Row(d.DeviceAddress, cli.Status(string(d.PrecheckStatus)), post, strconv.Itoa(d.Progress)+"%", detail)
	}
	t.Flush()
	return nil
}
