package cmd

import (
	"fmt"

	"github.com/marcus/tandem/internal/output"
	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:     "device",
	Short:   "Print this installation's device id",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		id, err := currentDevice(cmd.Context(), database)
		if err != nil {
			return fmt.Errorf("device id: %w", err)
		}
		if jsonOut {
			return output.JSON(map[string]string{"device_id": id})
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deviceCmd)
}
