package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

const permissionColumns = `id, notifications, auto_download, contact_sharing, display_picture,
	read_receipts, focus, favourite, calling, disappearing_messages`

func scanPermissions(row interface{ Scan(...any) error }) (*Permissions, error) {
	var p Permissions
	err := row.Scan(&p.ID, &p.Notifications, &p.AutoDownload, &p.ContactSharing, &p.DisplayPicture,
		&p.ReadReceipts, &p.Focus, &p.Favourite, &p.Calling, &p.DisappearingMessages)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// insertPermissions writes p under a fresh id and returns the id.
func insertPermissions(q querier, p Permissions) (string, error) {
	id := uuid.NewString()
	_, err := q.Exec(`
		INSERT INTO permissions (`+permissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Notifications, p.AutoDownload, p.ContactSharing, p.DisplayPicture,
		p.ReadReceipts, p.Focus, p.Favourite, p.Calling, p.DisappearingMessages)
	return id, err
}

func getPermissions(q querier, id string) (*Permissions, error) {
	p, err := scanPermissions(q.QueryRow(`SELECT `+permissionColumns+` FROM permissions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// copyPermissions duplicates the row templateID into a new row. A missing
// template falls back to the defaults.
func copyPermissions(q querier, templateID string) (string, error) {
	p, err := getPermissions(q, templateID)
	if err != nil {
		return "", err
	}
	if p == nil {
		d := DefaultPermissions()
		p = &d
	}
	return insertPermissions(q, *p)
}

func updatePermissions(q querier, p Permissions) (int64, error) {
	res, err := q.Exec(`
		UPDATE permissions SET notifications = ?, auto_download = ?, contact_sharing = ?,
			display_picture = ?, read_receipts = ?, focus = ?, favourite = ?, calling = ?,
			disappearing_messages = ?
		WHERE id = ?`,
		p.Notifications, p.AutoDownload, p.ContactSharing, p.DisplayPicture, p.ReadReceipts,
		p.Focus, p.Favourite, p.Calling, p.DisappearingMessages, p.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreatePermissions stores p under a new id and returns it.
func (db *DB) CreatePermissions(p Permissions) (string, error) {
	const op = "create permissions"
	if err := db.check(op); err != nil {
		return "", err
	}
	id, err := insertPermissions(db, p)
	return id, wrap(op, err)
}

// GetPermissions returns the permissions row, or nil if it does not exist.
func (db *DB) GetPermissions(id string) (*Permissions, error) {
	const op = "get permissions"
	if err := db.check(op); err != nil {
		return nil, err
	}
	p, err := getPermissions(db, id)
	return p, wrap(op, err)
}

// UpdatePermissions overwrites the row identified by p.ID.
func (db *DB) UpdatePermissions(p Permissions) error {
	const op = "update permissions"
	if err := db.check(op); err != nil {
		return err
	}
	n, err := updatePermissions(db, p)
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return wrap(op, ErrNotFound)
	}
	return nil
}

// ChatPermissions returns the permissions of a connection.
func (db *DB) ChatPermissions(chatID string) (*Permissions, error) {
	const op = "chat permissions"
	if err := db.check(op); err != nil {
		return nil, err
	}
	p, err := scanPermissions(db.QueryRow(`
		SELECT p.id, p.notifications, p.auto_download, p.contact_sharing, p.display_picture,
			p.read_receipts, p.focus, p.favourite, p.calling, p.disappearing_messages
		FROM permissions p JOIN connections c ON c.permissions_id = p.id
		WHERE c.chat_id = ?`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, wrap(op, err)
}
