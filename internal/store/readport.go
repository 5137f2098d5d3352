package store

import "database/sql"

// SaveReadPort remembers a bundle that could not be consumed yet. Saving
// the same bundle again only refreshes its last error.
func (db *DB) SaveReadPort(rp *ReadPort) error {
	const op = "save read port"
	if err := db.check(op); err != nil {
		return err
	}
	if rp.FolderID == "" {
		rp.FolderID = DefaultFolderID
	}
	_, err := db.Exec(`
		INSERT INTO read_ports (bundle_id, url, folder_id, attempts, last_error, expiry_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bundle_id) DO UPDATE SET last_error = excluded.last_error`,
		rp.BundleID, rp.URL, rp.FolderID, rp.Attempts, rp.LastError, nullInt(rp.ExpiryTimestamp), rp.CreatedAt)
	return wrap(op, err)
}

// ListReadPorts returns the pending read ports, oldest first.
func (db *DB) ListReadPorts() ([]ReadPort, error) {
	const op = "list read ports"
	if err := db.check(op); err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT bundle_id, url, folder_id, attempts, last_error, expiry_timestamp, created_at
		FROM read_ports ORDER BY created_at ASC`)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var list []ReadPort
	for rows.Next() {
		var rp ReadPort
		var expiry sql.NullInt64
		if err := rows.Scan(&rp.BundleID, &rp.URL, &rp.FolderID, &rp.Attempts, &rp.LastError, &expiry, &rp.CreatedAt); err != nil {
			return nil, wrap(op, err)
		}
		rp.ExpiryTimestamp = expiry.Int64
		list = append(list, rp)
	}
	return list, wrap(op, rows.Err())
}

// BumpReadPort records a failed retry of a stored read port.
func (db *DB) BumpReadPort(bundleID, lastError string) error {
	const op = "bump read port"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE read_ports SET attempts = attempts + 1, last_error = ? WHERE bundle_id = ?`,
		lastError, bundleID)
	return wrap(op, err)
}

// DeleteReadPort forgets a read port.
func (db *DB) DeleteReadPort(bundleID string) error {
	const op = "delete read port"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM read_ports WHERE bundle_id = ?`, bundleID)
	return wrap(op, err)
}

// DeleteExpiredReadPorts drops read ports whose bundle expired.
func (db *DB) DeleteExpiredReadPorts(nowMs int64) (int64, error) {
	const op = "delete expired read ports"
	if err := db.check(op); err != nil {
		return 0, err
	}
	res, err := db.Exec(`DELETE FROM read_ports WHERE expiry_timestamp IS NOT NULL AND expiry_timestamp <= ?`, nowMs)
	if err != nil {
		return 0, wrap(op, err)
	}
	n, err := res.RowsAffected()
	return n, wrap(op, err)
}
