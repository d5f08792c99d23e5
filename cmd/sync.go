package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/marcus/tandem/internal/output"
	"github.com/marcus/tandem/pkg/tandem"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Sync local data with the remote server",
	GroupID: "sync",
	Long: `Pull remote changes, apply them locally, then push local changes.

With --full the sync cursor is reset first, so the entire remote dataset is pulled again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")

		client, err := openClient(nil)
		if err != nil {
			return err
		}
		defer closeClient(client)

		var out tandem.Outcome
		if full {
			out = client.ForceFullSync(cmd.Context())
		} else {
			out = client.PerformSync(cmd.Context())
		}
		return reportOutcome(out)
	},
}

// reportOutcome prints a sync outcome and turns failures into an error exit.
func reportOutcome(out tandem.Outcome) error {
	if jsonOut {
		if err := output.JSON(outcomeJSON(out)); err != nil {
			return err
		}
	} else {
		printOutcome(out)
	}
	if !out.Success {
		return reported(errors.New(out.Message))
	}
	return nil
}

func printOutcome(out tandem.Outcome) {
	if !out.Success {
		output.Error("sync %s: %s", out.Kind, out.Message)
		return
	}
	label := "sync"
	if out.Full {
		label = "full sync"
	}
	output.Success("%s complete in %s", label, out.Duration().Round(time.Millisecond))
	fmt.Printf("  pulled    %s\n", output.FormatCounts(out.Pulled))
	fmt.Printf("  pushed    %s\n", output.FormatCounts(out.Pushed))
	if out.Conflicts > 0 {
		output.Warning("%d local change(s) overwritten by remote (see: tandem conflicts)", out.Conflicts)
	}
}

type outcomeView struct {
	Success   bool          `json:"success"`
	Kind      string        `json:"kind"`
	Message   string        `json:"message"`
	Full      bool          `json:"full"`
	Pulled    tandem.Counts `json:"pulled"`
	Pushed    tandem.Counts `json:"pushed"`
	Conflicts int           `json:"conflicts"`
	Cursor    int64         `json:"cursor"`
	Millis    int64         `json:"duration_ms"`
}

func outcomeJSON(out tandem.Outcome) outcomeView {
	return outcomeView{
		Success:   out.Success,
		Kind:      string(out.Kind),
		Message:   out.Message,
		Full:      out.Full,
		Pulled:    out.Pulled,
		Pushed:    out.Pushed,
		Conflicts: out.Conflicts,
		Cursor:    out.Cursor.LastPulledAt,
		Millis:    out.Duration().Milliseconds(),
	}
}

func init() {
	syncCmd.Flags().Bool("full", false, "reset the cursor and pull everything")
	rootCmd.AddCommand(syncCmd)
}
