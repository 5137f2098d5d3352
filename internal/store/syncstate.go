package store

import (
	"database/sql"
	"errors"
	"time"
)

// GetCheckpoint returns a stored sync checkpoint, or "" if unset.
func (db *DB) GetCheckpoint(key string) (string, error) {
	const op = "get checkpoint"
	if err := db.check(op); err != nil {
		return "", err
	}
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, wrap(op, err)
}

// SetCheckpoint stores a sync checkpoint.
func (db *DB) SetCheckpoint(key, value string) error {
	const op = "set checkpoint"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return wrap(op, err)
}
