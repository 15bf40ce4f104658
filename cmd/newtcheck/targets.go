package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/newtron-network/newtcheck/pkg/device"
	"github.com/newtron-network/newtcheck/pkg/inventory"
	"github.com/newtron-network/newtcheck/pkg/util"
	"github.com/newtron-network/newtcheck/pkg/verify"
)

// Ad-hoc device flags, used when no inventory is given.
var (
	deviceAddrs    []string
	deviceUsername string
)

func addDeviceFlags(flags *pflag.FlagSet) {
	flags.StringSliceVarP(&deviceAddrs, "device", "d", nil, "Device address or inventory name (repeatable)")
	flags.StringVar(&deviceUsername, "username", "", "Device username when no inventory is used")
}

// loadInventory returns the configured inventory, or one built from --device
// and --username when no inventory file is set.
func loadInventory() (*inventory.Inventory, []string, error) {
	if inventoryPath != "" {
		inv, err := inventory.Load(inventoryPath)
		if err != nil {
			return nil, nil, err
		}
		return inv, deviceAddrs, nil
	}
	if len(deviceAddrs) == 0 {
		return nil, nil, fmt.Errorf("devices required: use -i <inventory> or -d <address>")
	}
	if deviceUsername == "" {
		return nil, nil, fmt.Errorf("--username is required with -d when no inventory is used")
	}
	inv := &inventory.Inventory{}
	for _, a := range deviceAddrs {
		inv.Devices = append(inv.Devices, inventory.Device{Address: strings.TrimSpace(a), Username: deviceUsername})
	}
	return inv, nil, nil
}

// splitSelectors accepts device arguments either separately or
// comma-separated, the same way -d does.
func splitSelectors(args []string) []string {
	var out []string
	for _, a := range args {
		out = append(out, util.SplitCommaSeparated(a)...)
	}
	return out
}

// resolveTargets selects devices and fills in missing passwords.
func resolveTargets(inv *inventory.Inventory, selectors []string) ([]device.Target, error) {
	devices, err := inv.Select(selectors)
	if err != nil {
		return nil, err
	}
	return inventory.Targets(devices, promptPassword)
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(d inventory.Device) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no password configured and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", d.Username, d.Address)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// waitForBatch blocks until the dispatched phase finishes, printing each
// device as it completes unless output is JSON.
func waitForBatch(ctx context.Context, orch *verify.Orchestrator, batchID string) error {
	events, cancel := orch.Events().Subscribe(batchID)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- orch.Wait(ctx, batchID) }()

	for {
		select {
		case e := <-events:
			if jsonOutput || e.Final() {
				continue
			}
			status := green(e.Status)
			if e.Status != "completed" {
				status = red(e.Status)
			}
			line := fmt.Sprintf("  %-20s %s %s", e.Device, e.Phase, status)
			if e.Error != "" {
				line += "  " + util.Truncate(e.Error, 80)
			}
			fmt.Println(line)
		case err := <-done:
			return err
		}
	}
}
