package cmd

import (
	"fmt"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/output"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Create the local database",
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := getDataDir()
		if err != nil {
			return err
		}

		database, err := db.Initialize(dir)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer database.Close()

		id, err := currentDevice(cmd.Context(), database)
		if err != nil {
			return fmt.Errorf("device id: %w", err)
		}

		if jsonOut {
			return output.JSON(map[string]string{"data_dir": dir, "device_id": id})
		}
		output.Success("initialized %s", dir)
		fmt.Printf("Device id: %s\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
