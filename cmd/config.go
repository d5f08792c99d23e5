package cmd

import (
	"fmt"
	"strings"

	"github.com/marcus/tandem/internal/output"
	"github.com/marcus/tandem/internal/syncconfig"
	"github.com/spf13/cobra"
)

// validConfigKeys lists the supported config keys for set.
var validConfigKeys = []string{
	"sync.url",
	"sync.api_key",
	"sync.timeout",
	"sync.auto.enabled",
	"sync.auto.interval",
	"sync.auto.debounce",
	"sync.auto.initial_delay",
	"data_dir",
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage tandem configuration",
	GroupID: "system",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Long:  "Set a config value. Valid keys: " + strings.Join(validConfigKeys, ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]
		if err := syncconfig.Set(key, val); err != nil {
			return err
		}
		if key == "sync.api_key" {
			val = "********"
		}
		output.Success("set %s = %s", key, val)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective config values",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := getDataDir()
		if err != nil {
			return err
		}
		key := "(not set)"
		if syncconfig.GetAPIKey() != "" {
			key = "(set)"
		}
		values := [][2]string{
			{"sync.url", syncconfig.GetServerURL()},
			{"sync.api_key", key},
			{"sync.timeout", syncconfig.GetSyncTimeout().String()},
			{"sync.auto.enabled", fmt.Sprint(syncconfig.GetAutoSyncEnabled())},
			{"sync.auto.interval", syncconfig.GetAutoSyncInterval().String()},
			{"sync.auto.debounce", syncconfig.GetAutoSyncDebounce().String()},
			{"sync.auto.initial_delay", syncconfig.GetAutoSyncInitialDelay().String()},
			{"data_dir", dir},
		}
		if jsonOut {
			m := make(map[string]string, len(values))
			for _, kv := range values {
				m[kv[0]] = kv[1]
			}
			return output.JSON(m)
		}
		for _, kv := range values {
			fmt.Printf("%-24s %s\n", kv[0], kv[1])
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd, configListCmd)
	rootCmd.AddCommand(configCmd)
}
