package store

import (
	"database/sql"
	"errors"
)

const portColumns = `bundle_id, kind, target, label, connection_limit, uses_consumed, created_at,
	expiry_timestamp, paused, permissions_id, folder_id, crypto_id, rad, url`

func scanPort(row interface{ Scan(...any) error }) (*Port, error) {
	var p Port
	var expiry sql.NullInt64
	err := row.Scan(&p.BundleID, &p.Kind, &p.Target, &p.Label, &p.ConnectionLimit, &p.UsesConsumed, &p.CreatedAt,
		&expiry, &p.Paused, &p.PermissionsID, &p.FolderID, &p.CryptoID, &p.Rad, &p.URL)
	if err != nil {
		return nil, err
	}
	p.ExpiryTimestamp = expiry.Int64
	return &p, nil
}

func getPort(q querier, bundleID string) (*Port, error) {
	p, err := scanPort(q.QueryRow(`SELECT `+portColumns+` FROM ports WHERE bundle_id = ?`, bundleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// CreatePort stores a port with its own permissions copy and crypto row in
// one transaction.
func (db *DB) CreatePort(p *Port, perms Permissions, ci *CryptoIdentity) error {
	const op = "create port"
	if err := db.check(op); err != nil {
		return err
	}
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		pid, err := insertPermissions(tx, perms)
		if err != nil {
			return err
		}
		if err := insertCrypto(tx, ci); err != nil {
			return err
		}
		p.PermissionsID, p.CryptoID = pid, ci.ID
		if p.FolderID == "" {
			p.FolderID = DefaultFolderID
		}
		_, err = tx.Exec(`
			INSERT INTO ports (`+portColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.BundleID, p.Kind, p.Target, p.Label, p.ConnectionLimit, p.UsesConsumed, p.CreatedAt,
			nullInt(p.ExpiryTimestamp), p.Paused, p.PermissionsID, p.FolderID, p.CryptoID, p.Rad, p.URL)
		return err
	}))
}

// SetPortURL records the shareable link once it has been rendered.
func (db *DB) SetPortURL(bundleID, url string) error {
	const op = "set port url"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE ports SET url = ? WHERE bundle_id = ?`, url, bundleID)
	return wrap(op, err)
}

// DeletePort removes a port with its crypto and permissions rows.
func (db *DB) DeletePort(bundleID string) error {
	const op = "delete port"
	if err := db.check(op); err != nil {
		return err
	}
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		p, err := getPort(tx, bundleID)
		if err != nil || p == nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM ports WHERE bundle_id = ?`, bundleID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM crypto WHERE crypto_id = ?`, p.CryptoID); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM permissions WHERE id = ?`, p.PermissionsID)
		return err
	}))
}

// GetPort returns a port by bundle id, or nil.
func (db *DB) GetPort(bundleID string) (*Port, error) {
	const op = "get port"
	if err := db.check(op); err != nil {
		return nil, err
	}
	p, err := getPort(db, bundleID)
	return p, wrap(op, err)
}

// ListPorts returns every port, newest first.
func (db *DB) ListPorts() ([]Port, error) {
	const op = "list ports"
	if err := db.check(op); err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT ` + portColumns + ` FROM ports ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var ports []Port
	for rows.Next() {
		p, err := scanPort(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		ports = append(ports, *p)
	}
	return ports, wrap(op, rows.Err())
}

// recordPortUse consumes one use of a port in a single statement. When no
// row changes, the port is inspected to say why: missing, paused,
// exhausted, then expired. Exhaustion is checked before expiry.
func recordPortUse(q querier, bundleID string, nowMs int64) error {
	res, err := q.Exec(`
		UPDATE ports SET uses_consumed = uses_consumed + 1
		WHERE bundle_id = ? AND paused = 0
		AND (connection_limit = 0 OR uses_consumed < connection_limit)
		AND (expiry_timestamp IS NULL OR expiry_timestamp > ?)`, bundleID, nowMs)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	p, err := getPort(q, bundleID)
	switch {
	case err != nil:
		return err
	case p == nil:
		return ErrNotFound
	case p.Paused:
		return ErrPortPaused
	case p.Exhausted():
		return ErrPortExhausted
	default:
		return ErrPortExpired
	}
}

// RecordPortUse consumes one use of the port at nowMs. It fails with
// ErrNotFound, ErrPortPaused, ErrPortExhausted or ErrPortExpired.
func (db *DB) RecordPortUse(bundleID string, nowMs int64) error {
	const op = "record port use"
	if err := db.check(op); err != nil {
		return err
	}
	return wrap(op, recordPortUse(db, bundleID, nowMs))
}

// SetPortPaused toggles a port. It reports whether the port exists.
func (db *DB) SetPortPaused(bundleID string, paused bool) (bool, error) {
	const op = "set port paused"
	if err := db.check(op); err != nil {
		return false, err
	}
	res, err := db.Exec(`UPDATE ports SET paused = ? WHERE bundle_id = ?`, paused, bundleID)
	if err != nil {
		return false, wrap(op, err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap(op, err)
}

// CleanUpPorts deletes ports that expired or used every allowed
// connection, together with their crypto and permissions rows, and returns
// the deleted bundle ids. Contact ports are unlimited and never expire.
func (db *DB) CleanUpPorts(nowMs int64) ([]string, error) {
	const op = "clean up ports"
	if err := db.check(op); err != nil {
		return nil, err
	}
	var removed []string
	err := db.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT bundle_id, crypto_id, permissions_id FROM ports
			WHERE (expiry_timestamp IS NOT NULL AND expiry_timestamp <= ?)
			OR (connection_limit > 0 AND uses_consumed >= connection_limit)`, nowMs)
		if err != nil {
			return err
		}
		type doomed struct{ bundleID, cryptoID, permsID string }
		var list []doomed
		for rows.Next() {
			var d doomed
			if err := rows.Scan(&d.bundleID, &d.cryptoID, &d.permsID); err != nil {
				_ = rows.Close()
				return err
			}
			list = append(list, d)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, d := range list {
			if _, err := tx.Exec(`DELETE FROM ports WHERE bundle_id = ?`, d.bundleID); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM crypto WHERE crypto_id = ?`, d.cryptoID); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM permissions WHERE id = ?`, d.permsID); err != nil {
				return err
			}
			removed = append(removed, d.bundleID)
		}
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return removed, nil
}
