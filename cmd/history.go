package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/output"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Short:   "Show recent sync cycles",
	GroupID: "sync",
	Long: `Show recent sync cycles. Use -f to follow in real-time.

Examples:
  tandem history          # Show last 20 cycles
  tandem history -f       # Follow new cycles in real-time
  tandem history -n 50    # Show last 50 cycles
  tandem history -f -n 0  # Follow only new cycles, skip history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		ctx := cmd.Context()
		var runs []db.SyncRun
		if lines > 0 {
			runs, err = database.GetSyncHistoryTail(ctx, lines)
			if err != nil {
				return fmt.Errorf("query sync history: %w", err)
			}
		}
		if jsonOut && !follow {
			if runs == nil {
				runs = []db.SyncRun{}
			}
			return output.JSON(runs)
		}

		var maxID int64
		for _, r := range runs {
			fmt.Println(output.FormatSyncRun(r))
			maxID = max(maxID, r.ID)
		}

		if !follow {
			if len(runs) == 0 {
				fmt.Println("No sync activity recorded.")
			}
			return nil
		}

		if maxID == 0 && lines == 0 {
			if tail, _ := database.GetSyncHistoryTail(ctx, 1); len(tail) > 0 {
				maxID = tail[0].ID
			}
		}

		// Follow mode: poll for new rows until interrupted
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-ticker.C:
				newRuns, err := database.GetSyncHistory(ctx, maxID, 100)
				if err != nil {
					slog.Debug("history: poll", "err", err)
					continue
				}
				for _, r := range newRuns {
					fmt.Println(output.FormatSyncRun(r))
					maxID = max(maxID, r.ID)
				}
			}
		}
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "Show local changes overwritten during sync",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		sinceStr, _ := cmd.Flags().GetString("since")

		var since *time.Time
		if sinceStr != "" {
			d, err := time.ParseDuration(sinceStr)
			if err != nil {
				return fmt.Errorf("%w: --since: %v", errInvalidInput, err)
			}
			t := time.Now().Add(-d)
			since = &t
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		conflicts, err := database.GetRecentConflicts(cmd.Context(), limit, since)
		if err != nil {
			return fmt.Errorf("query conflicts: %w", err)
		}
		if jsonOut {
			if conflicts == nil {
				conflicts = []db.SyncConflict{}
			}
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts recorded.")
			return nil
		}
		for _, c := range conflicts {
			fmt.Println(output.FormatConflict(c))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().BoolP("follow", "f", false, "Follow new cycles in real-time")
	historyCmd.Flags().IntP("lines", "n", 20, "Number of initial lines to show")
	conflictsCmd.Flags().IntP("limit", "n", 20, "Maximum conflicts to show")
	conflictsCmd.Flags().String("since", "", "Only show conflicts newer than this duration (e.g. 24h)")
	rootCmd.AddCommand(historyCmd, conflictsCmd)
}
