package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtcheck/pkg/cli"
	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/verify"
)

var (
	diffDevice string
	diffAll    bool
)

var diffCmd = &cobra.Command{
	Use:   "diff <batch-id>",
	Short: "Show what changed between precheck and postcheck",
	Long: `Show the unified diff of every command on every device with a completed
postcheck. Commands without changes are listed only with --all.

Examples:
  newtcheck diff 3f0c...
  newtcheck diff 3f0c... --device 10.0.0.1 --all`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		svc, err := openService(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer svc.Close()

		view, err := svc.orch.GetBatchDiff(ctx, args[0])
		if err != nil {
			return err
		}
		if diffDevice != "" {
			var kept []verify.DeviceDiff
			for _, d := range view.Devices {
				if d.DeviceAddress == diffDevice {
					kept = append(kept, d)
				}
			}
			if kept == nil {
				return fmt.Errorf("device %s is not part of batch %s", diffDevice, args[0])
			}
			view.Devices = kept
		}
		if jsonOutput {
			return printJSON(view)
		}

		printDiffSummary(view)
		for _, d := range view.Devices {
			if d.Summary == nil {
				continue
			}
			for _, c := range d.Commands {
				if !c.HasChanges && !diffAll {
					continue
				}
				fmt.Printf("\n%s %s (changed: %s)\n", bold(d.DeviceAddress), c.Command, cli.YesNo(c.HasChanges))
				if !c.HasChanges {
					continue
				}
				for _, line := range c.Diff {
					fmt.Println(cli.DiffLine(strings.TrimRight(line, "\n")))
				}
			}
		}
		return nil
	},
}

// printDiffSummary prints one line per device with its change count.
func printDiffSummary(view *verify.DiffView) {
	fmt.Printf("Batch %s: %s\n", view.BatchID, cli.Status(view.OverallStatus))
	t := cli.NewTable("DEVICE", "STATUS", "COMMANDS", "CHANGED")
	for _, d := range view.Devices {
		total, changed := "-", "-"
		if d.Summary != nil {
			total = fmt.Sprintf("%d", d.Summary.TotalCommands)
			changed = fmt.Sprintf("%d", d.Summary.CommandsWithChanges)
			if d.Summary.CommandsWithChanges > 0 {
				changed = yellow(changed)
			}
		}
		t.Row(d.DeviceAddress, cli.Status(string(d.Status)), total, changed)
	}
	t.Flush()
}

var (
	outputsDevice  string
	outputsCommand string
)

var outputsCmd = &cobra.Command{
	Use:   "outputs <batch-id>",
	Short: "Show raw captured command output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		svc, err := openService(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer svc.Close()

		view, err := svc.orch.GetBatchOutputs(ctx, args[0], verify.OutputFilter{
			DeviceAddress: outputsDevice,
			Command:       outputsCommand,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(view)
		}

		for _, d := range view.Devices {
			for _, c := range d.Commands {
				fmt.Printf("%s %s\n", bold(d.DeviceAddress), c.Command)
				printCapture("precheck", d.PrecheckStatus, c.PreOutput)
				if c.HasPostcheck {
					printCapture("postcheck", d.PostcheckStatus, c.PostOutput)
				}
				fmt.Println()
			}
		}
		return nil
	},
}

func printCapture(phase string, status model.CheckStatus, output *string) {
	fmt.Printf("  --- %s (%s)\n", phase, cli.Status(string(status)))
	if output == nil {
		fmt.Println(cli.Dim("  (not captured)"))
		return
	}
	for _, line := range strings.Split(strings.TrimRight(*output, "\n"), "\n") {
		fmt.Println("  " + line)
	}
}

func init() {
	diffCmd.Flags().StringVar(&diffDevice, "device", "", "Only show this device")
	diffCmd.Flags().BoolVar(&diffAll, "all", false, "Also list commands without changes")

	outputsCmd.Flags().StringVar(&outputsDevice, "device", "", "Only show this device")
	outputsCmd.Flags().StringVar(&outputsCommand, "command", "", "Only show this command")
}
