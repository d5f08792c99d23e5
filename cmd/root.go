package cmd

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/output"
	"github.com/marcus/tandem/internal/syncconfig"
	"github.com/marcus/tandem/pkg/tandem"
	"github.com/spf13/cobra"
)

var (
	version string
	dataDir string
	jsonOut bool

	logLevel  string
	logFormat string
	logFile   string
	logCloser io.Closer
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Local-first data store with incremental sync",
	Long: `tandem - a local SQLite store for habits, habit logs, finance logs and notes,
kept in sync with a tandem-server backend.

Edits are recorded locally and pushed on the next sync; changes from other devices
are pulled and applied with last-write-wins conflict resolution.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		closer, err := setupLogging(logLevel, logFormat, logFile)
		if err != nil {
			return err
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// reportedError marks a failure the command has already shown the user.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func reported(err error) error { return reportedError{err} }

// errorCode classifies err for the --json error envelope.
func errorCode(err error) string {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, errInvalidInput), errors.Is(err, tandem.ErrNoRemote),
		errors.Is(err, db.ErrReservedField), errors.Is(err, db.ErrUnknownTable):
		return output.ErrCodeInvalidInput
	default:
		return output.ErrCodeDatabaseError
	}
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var shown reportedError
	switch {
	case errors.As(err, &shown):
	case jsonOut:
		output.JSONError(errorCode(err), err.Error())
	default:
		output.Error("%v", err)
	}
	os.Exit(1)
}

// nameWithAliases returns "name, alias1, alias2" if aliases exist, else just "name"
func nameWithAliases(cmd *cobra.Command) string {
	if len(cmd.Aliases) > 0 {
		return cmd.Name() + ", " + strings.Join(cmd.Aliases, ", ")
	}
	return cmd.Name()
}

func init() {
	cobra.AddTemplateFunc("nameWithAliases", nameWithAliases)

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "local data directory (default from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print machine readable JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotated file instead of stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")
}

// getDataDir resolves the data directory: --data-dir, then config.
func getDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	return syncconfig.GetDataDir()
}

// logger returns the process logger configured by the persistent flags.
func logger() *slog.Logger {
	return slog.Default()
}
