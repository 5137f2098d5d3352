package store

const unprocessedColumns = `id, server_id, kind, chat_id, bundle_id, sender_id, payload, attempts, last_error,
	received_at, next_attempt_at`

// BufferInbound appends a relay item to the inbound buffer. Items already
// buffered under the same server id are ignored.
func (db *DB) BufferInbound(u *Unprocessed) (bool, error) {
	const op = "buffer inbound"
	if err := db.check(op); err != nil {
		return false, err
	}
	res, err := db.Exec(`
		INSERT OR IGNORE INTO unprocessed (server_id, kind, chat_id, bundle_id, sender_id, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ServerID, u.Kind, u.ChatID, u.BundleID, u.SenderID, u.Payload, u.ReceivedAt)
	if err != nil {
		return false, wrap(op, err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap(op, err)
}

// ListUnprocessed returns buffered items in arrival order, due or not.
func (db *DB) ListUnprocessed(limit int) ([]Unprocessed, error) {
	const op = "list unprocessed"
	if err := db.check(op); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	list, err := db.queryUnprocessed(`SELECT `+unprocessedColumns+` FROM unprocessed ORDER BY id ASC LIMIT ?`, limit)
	return list, wrap(op, err)
}

// DueUnprocessed returns, in arrival order, the buffered items whose next
// attempt is due at nowMs.
func (db *DB) DueUnprocessed(nowMs int64, limit int) ([]Unprocessed, error) {
	const op = "due unprocessed"
	if err := db.check(op); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	list, err := db.queryUnprocessed(`SELECT `+unprocessedColumns+` FROM unprocessed
		WHERE next_attempt_at <= ? ORDER BY id ASC LIMIT ?`, nowMs, limit)
	return list, wrap(op, err)
}

func (db *DB) queryUnprocessed(query string, args ...any) ([]Unprocessed, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []Unprocessed
	for rows.Next() {
		var u Unprocessed
		if err := rows.Scan(&u.ID, &u.ServerID, &u.Kind, &u.ChatID, &u.BundleID, &u.SenderID, &u.Payload,
			&u.Attempts, &u.LastError, &u.ReceivedAt, &u.NextAttemptAt); err != nil {
			return nil, err
		}
		list = append(list, u)
	}
	return list, rows.Err()
}

// DeleteUnprocessed removes an item once it has been applied.
func (db *DB) DeleteUnprocessed(id int64) error {
	const op = "delete unprocessed"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM unprocessed WHERE id = ?`, id)
	return wrap(op, err)
}

// FailUnprocessed keeps an item, records why it failed and holds it back
// until retryAt.
func (db *DB) FailUnprocessed(id int64, reason string, retryAt int64) error {
	const op = "fail unprocessed"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE unprocessed SET attempts = attempts + 1, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		reason, retryAt, id)
	return wrap(op, err)
}
