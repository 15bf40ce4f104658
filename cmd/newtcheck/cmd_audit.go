package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtcheck/pkg/audit"
	"github.com/newtron-network/newtcheck/pkg/cli"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the device audit log",
	Long: `View the audit log. Every device in every precheck and postcheck is
recorded with:
  - Timestamp
  - User who started the batch
  - Device and batch
  - Number of commands and the outcome

Examples:
  newtcheck audit list --device 10.0.0.1
  newtcheck audit list --last 24h --failures
  newtcheck audit list --batch 3f0c...`,
}

var (
	auditDevice   string
	auditBy       string
	auditBatch    string
	auditLast     string
	auditLimit    int
	auditFailures bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := audit.Filter{
			Device:      auditDevice,
			User:        auditBy,
			BatchID:     auditBatch,
			Limit:       auditLimit,
			FailureOnly: auditFailures,
		}
		if auditLast != "" {
			duration, err := time.ParseDuration(auditLast)
			if err != nil {
				return fmt.Errorf("invalid duration: %s", auditLast)
			}
			filter.StartTime = time.Now().Add(-duration)
		}

		logger, err := openAuditLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Close()

		events, err := logger.Query(filter)
		if err != nil {
			return fmt.Errorf("querying audit log: %w", err)
		}
		if jsonOutput {
			return printJSON(events)
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		t := cli.NewTable("TIMESTAMP", "USER", "DEVICE", "OPERATION", "COMMANDS", "STATUS", "DURATION", "BATCH")
		for _, event := range events {
			status := green("ok")
			if !event.Success {
				status = red("failed")
			}
			t.Row(
				event.Timestamp.Local().Format("2006-01-02 15:04:05"),
				event.User,
				event.Device,
				event.Operation,
				fmt.Sprintf("%d", event.Commands),
				status,
				event.Duration.Round(time.Millisecond).String(),
				event.BatchID,
			)
		}
		t.Flush()
		return nil
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditDevice, "device", "", "Filter by device")
	auditListCmd.Flags().StringVar(&auditBy, "by", "", "Filter by user")
	auditListCmd.Flags().StringVar(&auditBatch, "batch", "", "Filter by batch ID")
	auditListCmd.Flags().StringVar(&auditLast, "last", "", "Show events from last duration (e.g., 24h)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum events to show")
	auditListCmd.Flags().BoolVar(&auditFailures, "failures", false, "Show only failed operations")

	auditCmd.AddCommand(auditListCmd)
}
