package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtcheck/pkg/cli"
	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/store"
)

var (
	checksDevice string
	checksStatus string
	checksType   string
	checksSince  string
	checksPage   int
	checksLimit  int
)

var checksCmd = &cobra.Command{
	Use:   "checks",
	Short: "List prechecks and postchecks across batches",
	Long: `List prechecks and postchecks, newest first.

Examples:
  newtcheck checks --device 10.0.0.1
  newtcheck checks --status failed --since 24h
  newtcheck checks --type postcheck --page 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := store.CheckFilter{
			DeviceAddress: checksDevice,
			Status:        model.CheckStatus(checksStatus),
			Type:          model.CheckType(checksType),
			Page:          checksPage,
			Limit:         checksLimit,
		}
		switch f.Status {
		case "", model.CheckInProgress, model.CheckCompleted, model.CheckFailed:
		default:
			return fmt.Errorf("invalid --status %q (in_progress, completed, failed)", checksStatus)
		}
		switch f.Type {
		case "", model.TypePreCheck, model.TypePostCheck:
		default:
			return fmt.Errorf("invalid --type %q (precheck, postcheck)", checksType)
		}
		if checksSince != "" {
			d, err := time.ParseDuration(checksSince)
			if err != nil {
				return fmt.Errorf("invalid duration: %s", checksSince)
			}
			f.Start = time.Now().Add(-d)
		}

		ctx := context.Background()
		svc, err := openService(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer svc.Close()

		page, err := svc.orch.ListChecks(ctx, f)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(page)
		}
		if len(page.Checks) == 0 {
			fmt.Println("No checks found")
			return nil
		}

		t := cli.NewTable("TIMESTAMP", "TYPE", "DEVICE", "STATUS", "BATCH", "CHECK")
		for _, c := range page.Checks {
			t.Row(c.Timestamp.Local().Format("2006-01-02 15:04:05"), string(c.Type), c.DeviceAddress,
				cli.Status(string(c.Status)), c.BatchID, c.CheckID)
		}
		t.Flush()
		fmt.Printf("\nPage %d, %d of %d checks\n", page.Page, len(page.Checks), page.Total)
		return nil
	},
}

var batchesUser string

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List batches, optionally by creator",
	Long: `List batches newest first with their precheck and postcheck counts.
Without --created-by every batch is listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		svc, err := openService(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.orch.SearchBatches(ctx, batchesUser)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		if res.TotalBatches == 0 {
			fmt.Println("No batches found")
			return nil
		}

		t := cli.NewTable("CREATED", "BATCH", "USER", "STATUS", "DEVICES", "PRE", "POST")
		for _, b := range res.Batches {
			t.Row(b.CreatedAt.Local().Format("2006-01-02 15:04:05"), b.ID, b.CreatedBy,
				cli.Status(string(b.Status)),
				fmt.Sprintf("%d/%d", b.CompletedDevices, b.TotalDevices),
				fmt.Sprintf("%d", b.PreCheckCount), fmt.Sprintf("%d", b.PostCheckCount))
		}
		t.Flush()
		return nil
	},
}

var batchesDeleteCmd = &cobra.Command{
	Use:   "delete <batch-id>",
	Short: "Delete a batch with all of its checks and outputs",
	Long: `Delete a finished batch. Its prechecks, postchecks and captured outputs are
removed with it; the audit log is kept. A batch with a phase still running is
refused.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		svc, err := openService(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.orch.DeleteBatch(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Batch %s deleted\n", args[0])
		return nil
	},
}

func init() {
	checksCmd.Flags().StringVar(&checksDevice, "device", "", "Filter by device address")
	checksCmd.Flags().StringVar(&checksStatus, "status", "", "Filter by status (in_progress, completed, failed)")
	checksCmd.Flags().StringVar(&checksType, "type", "", "Filter by type (precheck, postcheck)")
	checksCmd.Flags().StringVar(&checksSince, "since", "", "Only checks newer than this (e.g. 24h)")
	checksCmd.Flags().IntVar(&checksPage, "page", 1, "Page number")
	checksCmd.Flags().IntVar(&checksLimit, "limit", store.DefaultCheckLimit, "Checks per page")

	batchesCmd.Flags().StringVar(&batchesUser, "created-by", "", "Only batches created by this user")
	batchesCmd.AddCommand(batchesDeleteCmd)
}
