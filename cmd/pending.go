package cmd

import (
	"fmt"

	"github.com/marcus/tandem/internal/models"
	"github.com/marcus/tandem/internal/output"
	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:     "pending",
	Short:   "Show unsynced changes per table",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		counts, err := database.UnsyncedCounts(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOut {
			out := make(map[string]int64, len(counts))
			for t, n := range counts {
				out[string(t)] = n
			}
			return output.JSON(out)
		}

		var total int64
		lines := make([]string, 0, len(models.SyncTables))
		for _, t := range models.SyncTables {
			lines = append(lines, fmt.Sprintf("%-14s %d", t, counts[t]))
			total += counts[t]
		}
		fmt.Print(output.SectionHeader("pending changes"))
		for _, l := range output.BulletList(lines, 2) {
			fmt.Println(l)
		}
		fmt.Printf("  %-16s %d\n", "total", total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}
