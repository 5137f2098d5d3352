package store

import (
	"database/sql"
	"errors"
)

func bundleMapGet(q querier, bundleID string) (*BundleMapEntry, error) {
	var e BundleMapEntry
	err := q.QueryRow(`SELECT bundle_id, chat_id, single_use, created_at FROM bundle_map WHERE bundle_id = ?`, bundleID).
		Scan(&e.BundleID, &e.ChatID, &e.SingleUse, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// BundleMapGet returns the entry for a bundle, or nil. Callers serialize
// read-modify-write sequences through package bundlemap.
func (db *DB) BundleMapGet(bundleID string) (*BundleMapEntry, error) {
	const op = "bundle map get"
	if err := db.check(op); err != nil {
		return nil, err
	}
	e, err := bundleMapGet(db, bundleID)
	return e, wrap(op, err)
}

// BundleMapPut writes or replaces the entry for e.BundleID.
func (db *DB) BundleMapPut(e *BundleMapEntry) error {
	const op = "bundle map put"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`
		INSERT INTO bundle_map (bundle_id, chat_id, single_use, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(bundle_id) DO UPDATE SET chat_id = excluded.chat_id, single_use = excluded.single_use`,
		e.BundleID, e.ChatID, e.SingleUse, e.CreatedAt)
	return wrap(op, err)
}

// BundleMapDelete removes the entry for a bundle.
func (db *DB) BundleMapDelete(bundleID string) error {
	const op = "bundle map delete"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM bundle_map WHERE bundle_id = ?`, bundleID)
	return wrap(op, err)
}
