package store

import (
	"database/sql"
	"errors"
)

// UpsertContactPort stores a contact port for a relationship. A peer
// re-sending its bundle keeps the paused flag we last saw.
func (db *DB) UpsertContactPort(cp *ContactPort) error {
	const op = "upsert contact port"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`
		INSERT INTO contact_ports (pair_hash, owner, bundle_id, url, paused, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pair_hash, owner) DO UPDATE SET
			bundle_id = excluded.bundle_id,
			url = excluded.url,
			updated_at = excluded.updated_at`,
		cp.PairHash, cp.Owner, cp.BundleID, cp.URL, cp.Paused, cp.UpdatedAt)
	return wrap(op, err)
}

// GetContactPort returns the contact port of a relationship, or nil.
func (db *DB) GetContactPort(pairHash string, owner ContactPortOwner) (*ContactPort, error) {
	const op = "get contact port"
	if err := db.check(op); err != nil {
		return nil, err
	}
	var cp ContactPort
	err := db.QueryRow(`
		SELECT pair_hash, owner, bundle_id, url, paused, updated_at
		FROM contact_ports WHERE pair_hash = ? AND owner = ?`, pairHash, owner).
		Scan(&cp.PairHash, &cp.Owner, &cp.BundleID, &cp.URL, &cp.Paused, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	return &cp, nil
}

// SetContactPortPaused toggles a contact port. It reports whether a row
// exists.
func (db *DB) SetContactPortPaused(pairHash string, owner ContactPortOwner, paused bool, nowMs int64) (bool, error) {
	const op = "set contact port paused"
	if err := db.check(op); err != nil {
		return false, err
	}
	res, err := db.Exec(`UPDATE contact_ports SET paused = ?, updated_at = ? WHERE pair_hash = ? AND owner = ?`,
		paused, nowMs, pairHash, owner)
	if err != nil {
		return false, wrap(op, err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap(op, err)
}

// ListContactPorts returns every contact port we hold of one owner.
func (db *DB) ListContactPorts(owner ContactPortOwner) ([]ContactPort, error) {
	const op = "list contact ports"
	if err := db.check(op); err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT pair_hash, owner, bundle_id, url, paused, updated_at
		FROM contact_ports WHERE owner = ? ORDER BY updated_at DESC`, owner)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var list []ContactPort
	for rows.Next() {
		var cp ContactPort
		if err := rows.Scan(&cp.PairHash, &cp.Owner, &cp.BundleID, &cp.URL, &cp.Paused, &cp.UpdatedAt); err != nil {
			return nil, wrap(op, err)
		}
		list = append(list, cp)
	}
	return list, wrap(op, rows.Err())
}
