package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/tandem/internal/deviceid"
	"github.com/marcus/tandem/internal/diagnostics"
	"github.com/marcus/tandem/internal/output"
	"github.com/marcus/tandem/internal/syncclient"
	"github.com/marcus/tandem/internal/syncconfig"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	Short:   "Run diagnostic checks on local sync state",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		repair, _ := cmd.Flags().GetBool("repair")
		return runDoctor(cmd.Context(), repair)
	},
}

func runDoctor(ctx context.Context, repair bool) error {
	// Server reachable; healthz needs no credentials
	serverURL := syncconfig.GetServerURL()
	client := syncclient.New(serverURL, "")
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := client.HealthCheck(hctx)
	cancel()
	if err == nil {
		fmt.Printf("Server reachable ....... OK (%s)\n", serverURL)
	} else {
		fmt.Printf("Server reachable ....... FAIL (%v)\n", err)
	}

	database, err := openDB()
	if err != nil {
		fmt.Printf("Local database ......... FAIL (%v)\n", err)
		return reported(err)
	}
	defer database.Close()
	fmt.Printf("Local database ......... OK (%s)\n", database.BaseDir())

	svc := diagnostics.New(database, deviceid.New(database), logger())

	if repair {
		res, err := svc.RepairDuplicateWatermarks(ctx)
		if err != nil {
			fmt.Printf("Watermark repair ....... FAIL (%v)\n", err)
			return reported(err)
		}
		if res.Removed == 0 {
			fmt.Printf("Watermark repair ....... OK (nothing to repair)\n")
		} else {
			fmt.Printf("Watermark repair ....... OK (removed %d, kept pulled %d)\n", res.Removed, res.Kept.LastPulledAt)
		}
	}

	report, err := svc.Report(ctx)
	if err != nil {
		return fmt.Errorf("diagnostics: %w", err)
	}
	fmt.Print(report)

	integrity, err := svc.VerifyIntegrity(ctx)
	if err != nil {
		return err
	}
	if !integrity.IsValid {
		output.Warning("%d integrity issue(s), run with --repair to fix duplicate watermarks", len(integrity.Issues))
		return reported(fmt.Errorf("%d integrity issue(s)", len(integrity.Issues)))
	}
	return nil
}

func init() {
	doctorCmd.Flags().Bool("repair", false, "remove duplicate watermark rows, keeping the most recent")
	rootCmd.AddCommand(doctorCmd)
}
