package cmd

import (
	"fmt"
	"time"

	"github.com/marcus/tandem/internal/output"
	"github.com/marcus/tandem/internal/syncconfig"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show sync status and pending changes",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := openClient(nil)
		if err != nil {
			return err
		}
		defer closeClient(client)

		st := client.SyncStatus(ctx)
		pending, err := client.PendingChangesCount(ctx)
		if err != nil {
			return fmt.Errorf("count pending: %w", err)
		}
		deviceID, err := client.DeviceID(ctx)
		if err != nil {
			return err
		}

		if jsonOut {
			return output.JSON(map[string]any{
				"device_id":      deviceID,
				"server":         syncconfig.GetServerURL(),
				"auto_sync":      syncconfig.GetAutoSyncEnabled(),
				"last_synced_at": st.LastSyncedAt,
				"pending":        pending,
			})
		}

		fmt.Printf("Device:      %s\n", deviceID)
		fmt.Printf("Server:      %s\n", syncconfig.GetServerURL())
		fmt.Printf("Auto sync:   %v (every %s)\n", syncconfig.GetAutoSyncEnabled(), syncconfig.GetAutoSyncInterval())
		fmt.Printf("Last sync:   %s\n", lastSyncText(st.LastSyncedAt))
		fmt.Printf("Pending:     %d\n", pending)
		return nil
	},
}

func lastSyncText(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04:05"), output.FormatTimeAgo(t))
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
