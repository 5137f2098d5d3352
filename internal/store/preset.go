package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

const presetColumns = `id, name, is_default, permissions_id, created_at`

func scanPreset(row interface{ Scan(...any) error }) (*PermissionPreset, error) {
	var p PermissionPreset
	if err := row.Scan(&p.ID, &p.Name, &p.IsDefault, &p.PermissionsID, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// seedDefaultPreset creates the default preset when none exists.
func seedDefaultPreset(tx *sql.Tx) error {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM permission_presets WHERE is_default = 1`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := insertPreset(tx, "Default", true, DefaultPermissions())
	return err
}

func insertPreset(q querier, name string, isDefault bool, perms Permissions) (*PermissionPreset, error) {
	pid, err := insertPermissions(q, perms)
	if err != nil {
		return nil, err
	}
	p := &PermissionPreset{
		ID:            uuid.NewString(),
		Name:          name,
		IsDefault:     isDefault,
		PermissionsID: pid,
		CreatedAt:     time.Now().UnixMilli(),
	}
	_, err = q.Exec(`INSERT INTO permission_presets (`+presetColumns+`) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.IsDefault, p.PermissionsID, p.CreatedAt)
	return p, err
}

// AddPreset stores a named permissions template.
func (db *DB) AddPreset(name string, perms Permissions) (*PermissionPreset, error) {
	const op = "add preset"
	if err := db.check(op); err != nil {
		return nil, err
	}
	var p *PermissionPreset
	err := db.inTx(func(tx *sql.Tx) error {
		var err error
		p, err = insertPreset(tx, name, false, perms)
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return p, nil
}

// GetPreset returns a preset, or nil.
func (db *DB) GetPreset(id string) (*PermissionPreset, error) {
	const op = "get preset"
	if err := db.check(op); err != nil {
		return nil, err
	}
	p, err := scanPreset(db.QueryRow(`SELECT `+presetColumns+` FROM permission_presets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, wrap(op, err)
}

// DefaultPreset returns the default preset, recreating it if a wipe or a
// restore left none behind.
func (db *DB) DefaultPreset() (*PermissionPreset, error) {
	const op = "default preset"
	if err := db.check(op); err != nil {
		return nil, err
	}
	var p *PermissionPreset
	err := db.inTx(func(tx *sql.Tx) error {
		if err := seedDefaultPreset(tx); err != nil {
			return err
		}
		var err error
		p, err = scanPreset(tx.QueryRow(`SELECT ` + presetColumns + ` FROM permission_presets WHERE is_default = 1`))
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return p, nil
}

// ListPresets returns every preset, default first.
func (db *DB) ListPresets() ([]PermissionPreset, error) {
	const op = "list presets"
	if err := db.check(op); err != nil {
		return nil, err
	}
	list, err := queryAll(db, `SELECT `+presetColumns+` FROM permission_presets
		ORDER BY is_default DESC, created_at ASC`, scanPreset)
	return list, wrap(op, err)
}

// UpdatePreset renames a preset when name is non-empty and overwrites its
// permissions when perms is non-nil.
func (db *DB) UpdatePreset(id, name string, perms *Permissions) error {
	const op = "update preset"
	if err := db.check(op); err != nil {
		return err
	}
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		p, err := scanPreset(tx.QueryRow(`SELECT `+presetColumns+` FROM permission_presets WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if name != "" {
			if _, err := tx.Exec(`UPDATE permission_presets SET name = ? WHERE id = ?`, name, id); err != nil {
				return err
			}
		}
		if perms != nil {
			update := *perms
			update.ID = p.PermissionsID
			if _, err := updatePermissions(tx, update); err != nil {
				return err
			}
		}
		return nil
	}))
}

// DeletePreset removes a preset and its permissions row. The default
// preset cannot be removed.
func (db *DB) DeletePreset(id string) error {
	const op = "delete preset"
	if err := db.check(op); err != nil {
		return err
	}
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		p, err := scanPreset(tx.QueryRow(`SELECT `+presetColumns+` FROM permission_presets WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if p.IsDefault {
			return ErrDefaultPreset
		}
		if _, err := tx.Exec(`DELETE FROM permission_presets WHERE id = ?`, id); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM permissions WHERE id = ?`, p.PermissionsID)
		return err
	}))
}

// PresetPermissions returns the permissions of a preset. An empty id means
// the default preset.
func (db *DB) PresetPermissions(id string) (*Permissions, error) {
	var (
		p   *PermissionPreset
		err error
	)
	if id == "" {
		p, err = db.DefaultPreset()
	} else {
		p, err = db.GetPreset(id)
	}
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, wrap("preset permissions", ErrNotFound)
	}
	return db.GetPermissions(p.PermissionsID)
}
