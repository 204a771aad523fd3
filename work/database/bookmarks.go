package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// SetBookmark records the playback position (in seconds) for a library
// object, replacing any previous bookmark for the same object.
func (db *DB) SetBookmark(objectID string, positionSeconds int64, renderer string) error {
	_, err := db.Exec(`
		INSERT INTO bookmarks (object_id, position_seconds, renderer, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(object_id) DO UPDATE SET
			position_seconds = excluded.position_seconds,
			renderer = excluded.renderer,
			updated_at = CURRENT_TIMESTAMP
	`, objectID, positionSeconds, renderer)
	if err != nil {
		return fmt.Errorf("failed to save bookmark for %s: %w", objectID, err)
	}
	return nil
}

// GetBookmark returns the stored playback position for an object, or 0 when
// no bookmark exists.
func (db *DB) GetBookmark(objectID string) (int64, error) {
	var position int64
	err := db.QueryRow("SELECT position_seconds FROM bookmarks WHERE object_id = ?", objectID).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load bookmark for %s: %w", objectID, err)
	}
	return position, nil
}
