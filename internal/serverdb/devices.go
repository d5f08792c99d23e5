package serverdb

import (
	"database/sql"
	"fmt"
)

// Device tracks a client's sync position.
type Device struct {
	DeviceID         string
	FirstSeenAt      int64
	LastPullAt       *int64
	LastPulledCursor int64
	LastPushAt       *int64
	PushedChanges    int64
}

// recordPull notes that deviceID pulled up to cursor at now.
func (db *ServerDB) recordPull(deviceID string, now, cursor int64) error {
	_, err := db.conn.Exec(`
		INSERT INTO devices (device_id, first_seen_at, last_pull_at, last_pulled_cursor)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_pull_at = excluded.last_pull_at, last_pulled_cursor = excluded.last_pulled_cursor`,
		deviceID, now, now, cursor)
	if err != nil {
		return fmt.Errorf("record device pull: %w", err)
	}
	return nil
}

// recordPush notes that deviceID pushed n changes at now.
func (db *ServerDB) recordPush(deviceID string, now int64, n int) error {
	_, err := db.conn.Exec(`
		INSERT INTO devices (device_id, first_seen_at, last_push_at, pushed_changes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_push_at = excluded.last_push_at, pushed_changes = pushed_changes + excluded.pushed_changes`,
		deviceID, now, now, n)
	if err != nil {
		return fmt.Errorf("record device push: %w", err)
	}
	return nil
}

// GetDevice returns the device row, or nil if the device never synced.
func (db *ServerDB) GetDevice(deviceID string) (*Device, error) {
	d := &Device{}
	var lastPull, lastPush sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT device_id, first_seen_at, last_pull_at, last_pulled_cursor, last_push_at, pushed_changes
		FROM devices WHERE device_id = ?`, deviceID,
	).Scan(&d.DeviceID, &d.FirstSeenAt, &lastPull, &d.LastPulledCursor, &lastPush, &d.PushedChanges)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if lastPull.Valid {
		d.LastPullAt = &lastPull.Int64
	}
	if lastPush.Valid {
		d.LastPushAt = &lastPush.Int64
	}
	return d, nil
}
