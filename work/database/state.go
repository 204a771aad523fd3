package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// updateIDKey is the server_state row holding the persisted SystemUpdateID.
const updateIDKey = "system_update_id"

// LoadUpdateID returns the persisted SystemUpdateID counter value. The second
// return value is false when no value has ever been stored, letting the
// counter distinguish "fresh database" from "stored zero".
func (db *DB) LoadUpdateID() (int64, bool, error) {
	var raw string
	err := db.QueryRow("SELECT value FROM server_state WHERE key = ?", updateIDKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load update id: %w", err)
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt update id value %q: %w", raw, err)
	}
	return value, true, nil
}

// SaveUpdateID persists the SystemUpdateID counter value, replacing any
// previously stored value.
func (db *DB) SaveUpdateID(value int64) error {
	_, err := db.Exec(`
		INSERT INTO server_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, updateIDKey, strconv.FormatInt(value, 10))
	if err != nil {
		return fmt.Errorf("failed to save update id: %w", err)
	}
	return nil
}
