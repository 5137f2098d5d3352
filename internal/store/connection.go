package store

import (
	"database/sql"
	"errors"
	"time"
)

const connectionColumns = `chat_id, connection_type, pair_hash, name, folder_id, permissions_id,
	crypto_id, bundle_id, info_sent, info_received, authenticated, disconnected,
	latest_message_id, unread_count, timestamp`

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ChatID, &c.Type, &c.PairHash, &c.Name, &c.FolderID, &c.PermissionsID,
		&c.CryptoID, &c.BundleID, &c.InfoSent, &c.InfoReceived, &c.Authenticated, &c.Disconnected,
		&c.LatestMessageID, &c.UnreadCount, &c.Timestamp)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func getConnection(q querier, chatID string) (*Connection, error) {
	c, err := scanConnection(q.QueryRow(`SELECT `+connectionColumns+` FROM connections WHERE chat_id = ?`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// insertConnection writes the permissions copy, the crypto row and the
// connection. c.PermissionsID and c.CryptoID are filled in.
func insertConnection(q querier, c *Connection, perms Permissions, ci *CryptoIdentity) error {
	var exists int
	if err := q.QueryRow(`SELECT COUNT(*) FROM connections WHERE chat_id = ?`, c.ChatID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return ErrConnectionExists
	}
	if c.PairHash != "" {
		if err := q.QueryRow(`SELECT COUNT(*) FROM connections WHERE pair_hash = ?`, c.PairHash).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return ErrPairHashExists
		}
	}

	pid, err := insertPermissions(q, perms)
	if err != nil {
		return err
	}
	if err := insertCrypto(q, ci); err != nil {
		return err
	}
	c.PermissionsID, c.CryptoID = pid, ci.ID
	if c.Type == "" {
		c.Type = Direct
	}
	if c.FolderID == "" {
		c.FolderID = DefaultFolderID
	}
	if c.Timestamp == 0 {
		c.Timestamp = time.Now().UnixMilli()
	}
	_, err = q.Exec(`
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ChatID, c.Type, c.PairHash, c.Name, c.FolderID, c.PermissionsID,
		c.CryptoID, c.BundleID, c.InfoSent, c.InfoReceived, c.Authenticated, c.Disconnected,
		c.LatestMessageID, c.UnreadCount, c.Timestamp)
	return err
}

// CreateConnection stores a pending connection with its own permissions and
// crypto rows in one transaction. It fails with ErrPairHashExists when a
// connection for the same relationship is already stored.
func (db *DB) CreateConnection(c *Connection, perms Permissions, ci *CryptoIdentity) error {
	const op = "create connection"
	if err := db.check(op); err != nil {
		return err
	}
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		return insertConnection(tx, c, perms, ci)
	}))
}

// AcceptConnection records one use of the port bundleID and stores the
// resulting connection in the same transaction. A chat that already exists
// yields ErrConnectionExists and does not consume a use.
func (db *DB) AcceptConnection(bundleID string, nowMs int64, c *Connection, perms Permissions, ci *CryptoIdentity) error {
	const op = "accept connection"
	if err := db.check(op); err != nil {
		return err
	}
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		existing, err := getConnection(tx, c.ChatID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrConnectionExists
		}
		if err := recordPortUse(tx, bundleID, nowMs); err != nil {
			return err
		}
		c.BundleID = bundleID
		return insertConnection(tx, c, perms, ci)
	}))
}

// GetConnection returns a connection by chat id, or nil.
func (db *DB) GetConnection(chatID string) (*Connection, error) {
	const op = "get connection"
	if err := db.check(op); err != nil {
		return nil, err
	}
	c, err := getConnection(db, chatID)
	return c, wrap(op, err)
}

// GetConnectionByPairHash returns the connection for a relationship, or nil.
func (db *DB) GetConnectionByPairHash(pairHash string) (*Connection, error) {
	const op = "get connection by pair hash"
	if err := db.check(op); err != nil {
		return nil, err
	}
	c, err := scanConnection(db.QueryRow(`SELECT `+connectionColumns+` FROM connections WHERE pair_hash = ?`, pairHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, wrap(op, err)
}

func (db *DB) listConnections(op, where string, args ...any) ([]Connection, error) {
	if err := db.check(op); err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT `+connectionColumns+` FROM connections `+where+` ORDER BY timestamp DESC`, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var conns []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		conns = append(conns, *c)
	}
	return conns, wrap(op, rows.Err())
}

// ListConnections returns every connection, most recent activity first.
func (db *DB) ListConnections() ([]Connection, error) {
	return db.listConnections("list connections", "")
}

// ListConnectionsByFolder returns the connections assigned to a folder.
func (db *DB) ListConnectionsByFolder(folderID string) ([]Connection, error) {
	return db.listConnections("list connections by folder", "WHERE folder_id = ?", folderID)
}

// ListAuthenticated returns connections that completed the handshake and
// are still connected.
func (db *DB) ListAuthenticated() ([]Connection, error) {
	return db.listConnections("list authenticated", "WHERE authenticated = 1 AND disconnected = 0")
}

// ListPending returns connections still in pending_exchange.
func (db *DB) ListPending() ([]Connection, error) {
	return db.listConnections("list pending", "WHERE authenticated = 0 AND disconnected = 0")
}

// markInfo sets one of the initial-info flags. authenticated flips in the
// same statement once both flags are set.
func (db *DB) markInfo(op, column, other, chatID string) (*Connection, error) {
	if err := db.check(op); err != nil {
		return nil, err
	}
	res, err := db.Exec(`
		UPDATE connections SET `+column+` = 1,
			authenticated = CASE WHEN `+other+` = 1 AND disconnected = 0 THEN 1 ELSE authenticated END
		WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, wrap(op, ErrNotFound)
	}
	c, err := getConnection(db, chatID)
	return c, wrap(op, err)
}

// MarkInfoSent records that the relay acknowledged our InitialInfo.
func (db *DB) MarkInfoSent(chatID string) (*Connection, error) {
	return db.markInfo("mark info sent", "info_sent", "info_received", chatID)
}

// MarkInfoReceived records that the peer's InitialInfo was processed.
func (db *DB) MarkInfoReceived(chatID string) (*Connection, error) {
	return db.markInfo("mark info received", "info_received", "info_sent", chatID)
}

// MarkDisconnected moves the connection to disconnected. It reports whether
// the flag changed.
func (db *DB) MarkDisconnected(chatID string) (bool, error) {
	const op = "mark disconnected"
	if err := db.check(op); err != nil {
		return false, err
	}
	res, err := db.Exec(`UPDATE connections SET disconnected = 1 WHERE chat_id = ? AND disconnected = 0`, chatID)
	if err != nil {
		return false, wrap(op, err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap(op, err)
}

// SetConnectionName renames a connection.
func (db *DB) SetConnectionName(chatID, name string) error {
	const op = "set connection name"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE connections SET name = ? WHERE chat_id = ?`, name, chatID)
	return wrap(op, err)
}

// MoveConnection assigns a connection to another folder.
func (db *DB) MoveConnection(chatID, folderID string) error {
	const op = "move connection"
	if err := db.check(op); err != nil {
		return err
	}
	res, err := db.Exec(`UPDATE connections SET folder_id = ? WHERE chat_id = ?`, folderID, chatID)
	if err != nil {
		return wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(op, ErrNotFound)
	}
	return nil
}

// UnreadTotal sums unread counts over all connections.
func (db *DB) UnreadTotal() (int, error) {
	const op = "unread total"
	if err := db.check(op); err != nil {
		return 0, err
	}
	var n int
	err := db.QueryRow(`SELECT COALESCE(SUM(unread_count), 0) FROM connections`).Scan(&n)
	return n, wrap(op, err)
}

// PurgeConnection deletes a connection and everything it owns.
func (db *DB) PurgeConnection(chatID string) error {
	const op = "purge connection"
	if err := db.check(op); err != nil {
		return err
	}
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		c, err := getConnection(tx, chatID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrNotFound
		}
		stmts := []struct {
			query string
			arg   string
		}{
			{`DELETE FROM messages WHERE chat_id = ?`, chatID},
			{`DELETE FROM group_messages WHERE chat_id = ?`, chatID},
			{`DELETE FROM group_members WHERE chat_id = ?`, chatID},
			{`DELETE FROM reactions WHERE chat_id = ?`, chatID},
			{`DELETE FROM bundle_map WHERE chat_id = ?`, chatID},
			{`DELETE FROM contact_ports WHERE pair_hash = ?`, c.PairHash},
			{`DELETE FROM connections WHERE chat_id = ?`, chatID},
			{`DELETE FROM crypto WHERE crypto_id = ?`, c.CryptoID},
			{`DELETE FROM permissions WHERE id = ?`, c.PermissionsID},
		}
		for _, s := range stmts {
			if _, err := tx.Exec(s.query, s.arg); err != nil {
				return err
			}
		}
		return nil
	}))
}
