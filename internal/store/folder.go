package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// AddFolder creates a folder and its permissions template in one
// transaction and returns the folder.
func (db *DB) AddFolder(name string, perms Permissions) (*Folder, error) {
	const op = "add folder"
	if err := db.check(op); err != nil {
		return nil, err
	}
	f := &Folder{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UnixMilli()}
	err := db.inTx(func(tx *sql.Tx) error {
		pid, err := insertPermissions(tx, perms)
		if err != nil {
			return err
		}
		f.PermissionsID = pid
		_, err = tx.Exec(`INSERT INTO folders (id, name, permissions_id, created_at) VALUES (?, ?, ?, ?)`,
			f.ID, f.Name, f.PermissionsID, f.CreatedAt)
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return f, nil
}

// GetFolder returns a folder by id, or nil.
func (db *DB) GetFolder(id string) (*Folder, error) {
	const op = "get folder"
	if err := db.check(op); err != nil {
		return nil, err
	}
	var f Folder
	err := db.QueryRow(`SELECT id, name, permissions_id, created_at FROM folders WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.PermissionsID, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	return &f, nil
}

// ListFolders returns every folder, default first.
func (db *DB) ListFolders() ([]Folder, error) {
	const op = "list folders"
	if err := db.check(op); err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT id, name, permissions_id, created_at FROM folders
		ORDER BY id != 'default', created_at ASC`)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var folders []Folder
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.Name, &f.PermissionsID, &f.CreatedAt); err != nil {
			return nil, wrap(op, err)
		}
		folders = append(folders, f)
	}
	return folders, wrap(op, rows.Err())
}

// DeleteFolder removes a folder and its template. Its connections move to
// the default folder.
func (db *DB) DeleteFolder(id string) error {
	const op = "delete folder"
	if err := db.check(op); err != nil {
		return err
	}
	if id == DefaultFolderID {
		return wrap(op, ErrDefaultFolder)
	}
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		var pid string
		err := tx.QueryRow(`SELECT permissions_id FROM folders WHERE id = ?`, id).Scan(&pid)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE connections SET folder_id = ? WHERE folder_id = ?`, DefaultFolderID, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE ports SET folder_id = ? WHERE folder_id = ?`, DefaultFolderID, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM folders WHERE id = ?`, id); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM permissions WHERE id = ?`, pid)
		return err
	}))
}

// UpdateFolderPermissions overwrites the folder's template. Connections are
// not touched until ApplyFolderPermissions runs.
func (db *DB) UpdateFolderPermissions(folderID string, p Permissions) error {
	const op = "update folder permissions"
	if err := db.check(op); err != nil {
		return err
	}
	f, err := db.GetFolder(folderID)
	if err != nil {
		return err
	}
	if f == nil {
		return wrap(op, ErrNotFound)
	}
	p.ID = f.PermissionsID
	_, err = updatePermissions(db, p)
	return wrap(op, err)
}

// FolderApplied reports what ApplyFolderPermissions changed.
type FolderApplied struct {
	Updated int64
	// Timeout is the template's disappearing timeout and TimeoutChanged
	// the chats that held a different one before.
	Timeout        int64
	TimeoutChanged []string
}

// ApplyFolderPermissions copies the folder's template onto every connection
// currently in the folder.
func (db *DB) ApplyFolderPermissions(folderID string) (*FolderApplied, error) {
	const op = "apply folder permissions"
	if err := db.check(op); err != nil {
		return nil, err
	}
	out := &FolderApplied{}
	err := db.inTx(func(tx *sql.Tx) error {
		var pid string
		err := tx.QueryRow(`SELECT f.permissions_id, p.disappearing_messages
			FROM folders f JOIN permissions p ON p.id = f.permissions_id
			WHERE f.id = ?`, folderID).Scan(&pid, &out.Timeout)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rows, err := tx.Query(`
			SELECT c.chat_id FROM connections c JOIN permissions p ON p.id = c.permissions_id
			WHERE c.folder_id = ? AND p.disappearing_messages != ?
			ORDER BY c.chat_id`, folderID, out.Timeout)
		if err != nil {
			return err
		}
		for rows.Next() {
			var chatID string
			if err := rows.Scan(&chatID); err != nil {
				_ = rows.Close()
				return err
			}
			out.TimeoutChanged = append(out.TimeoutChanged, chatID)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		res, err := tx.Exec(`
			UPDATE permissions SET
				notifications = t.notifications,
				auto_download = t.auto_download,
				contact_sharing = t.contact_sharing,
				display_picture = t.display_picture,
				read_receipts = t.read_receipts,
				focus = t.focus,
				favourite = t.favourite,
				calling = t.calling,
				disappearing_messages = t.disappearing_messages
			FROM (SELECT * FROM permissions WHERE id = ?) AS t
			WHERE permissions.id IN (SELECT permissions_id FROM connections WHERE folder_id = ?)`,
			pid, folderID)
		if err != nil {
			return err
		}
		out.Updated, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}
