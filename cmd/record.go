package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/models"
	"github.com/marcus/tandem/internal/output"
	"github.com/spf13/cobra"
)

var errInvalidInput = errors.New("invalid input")

var recordCmd = &cobra.Command{
	Use:     "record",
	Aliases: []string{"rec"},
	Short:   "Create, update, delete and list records",
	GroupID: "core",
}

// parseTableArg accepts only replicated tables.
func parseTableArg(name string) (models.Table, error) {
	t, ok := models.ParseTable(name)
	if !ok || t.LocalOnly() {
		names := make([]string, len(models.SyncTables))
		for i, st := range models.SyncTables {
			names[i] = string(st)
		}
		return "", fmt.Errorf("%w: unknown table %q (valid: %s)", errInvalidInput, name, strings.Join(names, ", "))
	}
	return t, nil
}

// parseFields turns key=value arguments into a field map. Values that parse
// as JSON keep their type; anything else is a string. "key=" with no value
// maps to nil, which removes the key on update.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: field %q is not key=value", errInvalidInput, arg)
		}
		if raw == "" {
			fields[key] = nil
			continue
		}
		v, err := models.DecodeValue([]byte(raw))
		if err != nil {
			v = raw
		}
		fields[key] = v
	}
	return fields, nil
}

// withDevice opens the store and resolves the device id for a write.
func withDevice(cmd *cobra.Command, fn func(database *db.DB, deviceID string) error) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	id, err := currentDevice(cmd.Context(), database)
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	return fn(database, id)
}

func printRecord(rec *models.Record) error {
	if jsonOut {
		return output.JSON(rec)
	}
	fmt.Println(output.FormatRecord(*rec))
	return nil
}

var recordCreateCmd = &cobra.Command{
	Use:   "create <table> [key=value...]",
	Short: "Create a record",
	Example: `  tandem record create finance_logs amount=12.5 note="coffee"
  tandem record create habits name=run target=3`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseTableArg(args[0])
		if err != nil {
			return err
		}
		fields, err := parseFields(args[1:])
		if err != nil {
			return err
		}
		return withDevice(cmd, func(database *db.DB, deviceID string) error {
			rec, err := database.CreateRecord(cmd.Context(), t, fields, deviceID)
			if err != nil {
				return err
			}
			return printRecord(rec)
		})
	},
}

var recordUpdateCmd = &cobra.Command{
	Use:   "update <table> <id> key=value...",
	Short: "Update fields of a record (key= removes a field)",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseTableArg(args[0])
		if err != nil {
			return err
		}
		fields, err := parseFields(args[2:])
		if err != nil {
			return err
		}
		return withDevice(cmd, func(database *db.DB, deviceID string) error {
			rec, err := database.UpdateRecord(cmd.Context(), t, args[1], fields, deviceID)
			if err != nil {
				return err
			}
			return printRecord(rec)
		})
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:     "delete <table> <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a record",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseTableArg(args[0])
		if err != nil {
			return err
		}
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.DeleteRecord(cmd.Context(), t, args[1]); err != nil {
			return err
		}
		output.Success("deleted %s/%s", t, args[1])
		return nil
	},
}

var recordListCmd = &cobra.Command{
	Use:     "list <table>",
	Aliases: []string{"ls"},
	Short:   "List live records of a table",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseTableArg(args[0])
		if err != nil {
			return err
		}
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		recs, err := database.ListRecords(cmd.Context(), t)
		if err != nil {
			return err
		}
		if jsonOut {
			if recs == nil {
				recs = []models.Record{}
			}
			return output.JSON(recs)
		}
		if len(recs) == 0 {
			fmt.Printf("No %s records.\n", t)
			return nil
		}
		for _, rec := range recs {
			fmt.Println(output.FormatRecord(rec))
		}
		return nil
	},
}

func init() {
	recordCmd.AddCommand(recordCreateCmd, recordUpdateCmd, recordDeleteCmd, recordListCmd)
	rootCmd.AddCommand(recordCmd)
}
