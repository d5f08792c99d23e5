package cmd

import (
	"context"
	"fmt"

	"github.com/marcus/tandem/internal/db"
	"github.com/marcus/tandem/internal/deviceid"
	"github.com/marcus/tandem/internal/scheduler"
	"github.com/marcus/tandem/internal/syncconfig"
	"github.com/marcus/tandem/pkg/tandem"
)

// openDB opens the local store; it must have been created with init.
func openDB() (*db.DB, error) {
	dir, err := getDataDir()
	if err != nil {
		return nil, err
	}
	database, err := db.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return database, nil
}

// openClient wires a tandem client from config against the local store.
func openClient(onOutcome func(tandem.Outcome)) (*tandem.Client, error) {
	dir, err := getDataDir()
	if err != nil {
		return nil, err
	}
	c, err := tandem.Open(tandem.Options{
		DataDir:   dir,
		MustExist: true,
		ServerURL: syncconfig.GetServerURL(),
		APIKey:    syncconfig.GetAPIKey(),
		Timeout:   syncconfig.GetSyncTimeout(),
		AutoSync: scheduler.Config{
			InitialDelay: syncconfig.GetAutoSyncInitialDelay(),
			Interval:     syncconfig.GetAutoSyncInterval(),
			Debounce:     syncconfig.GetAutoSyncDebounce(),
		},
		OnOutcome: onOutcome,
		Logger:    logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("open client: %w", err)
	}
	return c, nil
}

// closeClient stops auto sync and closes the store.
func closeClient(c *tandem.Client) {
	c.Close()
}

// currentDevice returns this installation's device id.
func currentDevice(ctx context.Context, database *db.DB) (string, error) {
	return deviceid.New(database).DeviceID(ctx)
}
