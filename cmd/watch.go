package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/marcus/tandem/internal/output"
	"github.com/marcus/tandem/internal/syncconfig"
	"github.com/marcus/tandem/pkg/tandem"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Run automatic sync in the foreground until interrupted",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.GetAutoSyncEnabled() {
			output.Warning("auto sync is disabled (sync.auto.enabled); running anyway")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := openClient(func(out tandem.Outcome) {
			if jsonOut {
				output.JSON(outcomeJSON(out))
				return
			}
			printOutcome(out)
		})
		if err != nil {
			return err
		}
		defer closeClient(client)

		client.StartAutoSync()
		fmt.Printf("Watching %s (interval %s, ctrl-c to stop)\n",
			syncconfig.GetServerURL(), syncconfig.GetAutoSyncInterval())

		<-ctx.Done()
		client.StopAutoSync()
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
