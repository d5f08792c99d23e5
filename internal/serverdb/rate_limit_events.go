package serverdb

import (
	"fmt"
	"time"
)

// InsertRateLimitEvent records a rate limit violation.
// keyID may be empty for IP-based limiting (stored as NULL).
func (db *ServerDB) InsertRateLimitEvent(keyID, ip, endpointClass string) error {
	var keyIDParam any
	if keyID != "" {
		keyIDParam = keyID
	}
	_, err := db.conn.Exec(
		`INSERT INTO rate_limit_events (key_id, ip, endpoint_class, created_at) VALUES (?, ?, ?, ?)`,
		keyIDParam, ip, endpointClass, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

// CountRateLimitEvents returns the number of violations recorded since the given time.
func (db *ServerDB) CountRateLimitEvents(since time.Time) (int64, error) {
	var n int64
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM rate_limit_events WHERE created_at >= ?`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rate limit events: %w", err)
	}
	return n, nil
}

// CleanupRateLimitEvents deletes events older than the given duration.
// Returns the number of rows deleted.
func (db *ServerDB) CleanupRateLimitEvents(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := db.conn.Exec(`DELETE FROM rate_limit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
