// Newtcheck - change verification for network devices
//
// A precheck captures the output of read-only commands on a set of devices
// before a change; a postcheck replays the same commands afterwards and the
// two captures are diffed per device.
//
//	newtcheck precheck -i devices.yaml -c "show sys version"   # capture "before"
//	newtcheck postcheck <batch-id> -i devices.yaml             # capture "after"
//	newtcheck diff <batch-id>                                  # what changed
//
// The same operations are served over HTTP by "newtcheck serve".
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtcheck/pkg/cli"
	"github.com/newtron-network/newtcheck/pkg/config"
	"github.com/newtron-network/newtcheck/pkg/settings"
	"github.com/newtron-network/newtcheck/pkg/util"
	"github.com/newtron-network/newtcheck/pkg/version"
)

var (
	// Global option flags
	configPath    string
	inventoryPath string
	userName      string
	verbose       bool
	jsonOutput    bool

	// Global state
	userSettings *settings.Settings
	cfg          *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "newtcheck",
	Short:             "Pre/post change verification for network devices",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Newtcheck captures read-only command output from devices before and after
a change and reports what differs.

Only read-only commands (show, list, display, tmsh, cat) are ever sent.

  newtcheck precheck -i devices.yaml -c "show sys version" -c "list ltm virtual"
  newtcheck postcheck <batch-id> -i devices.yaml
  newtcheck diff <batch-id>`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if isSettingsOrHelp(cmd) {
			return nil
		}

		var err error
		userSettings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &settings.Settings{}
		}

		// Apply defaults from settings
		if configPath == "" {
			configPath = userSettings.ConfigPath
		}
		if inventoryPath == "" {
			inventoryPath = userSettings.Inventory
		}
		if userName == "" {
			userName = userSettings.GetUser()
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		// Quiet by default, verbose on -v; serve uses the configured level.
		level := "warn"
		if cmd.Name() == "serve" {
			level = cfg.Log.Level
		}
		if verbose {
			level = "debug"
		}
		if err := util.SetLogLevel(level); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Service config file (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "", "Device inventory file")
	rootCmd.PersistentFlags().StringVarP(&userName, "user", "u", "", "User recorded as the batch creator")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "check", Title: "Verification:"},
		&cobra.Group{ID: "query", Title: "Results:"},
		&cobra.Group{ID: "meta", Title: "Service & Meta:"},
	)

	for _, cmd := range []*cobra.Command{precheckCmd, postcheckCmd} {
		cmd.GroupID = "check"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{statusCmd, diffCmd, outputsCmd, checksCmd, batchesCmd} {
		cmd.GroupID = "query"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{serveCmd, auditCmd, settingsCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if version.IsDev() {
			fmt.Println("newtcheck dev build (use 'make build' for version info)")
		} else {
			fmt.Printf("newtcheck %s (%s)\n", version.Version, version.GitCommit)
		}
	},
}

// isSettingsOrHelp reports commands that run without config.
func isSettingsOrHelp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "settings", "help", "version", "completion":
			return true
		}
	}
	return false
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func green(s string) string  { return cli.Green(s) }
func yellow(s string) string { return cli.Yellow(s) }
func red(s string) string    { return cli.Red(s) }
func bold(s string) string   { return cli.Bold(s) }
