package store

import "database/sql"

// Snapshot is the relationship graph carried by a backup. Messages and
// ports are not included.
type Snapshot struct {
	Profile      *Profile
	Permissions  []Permissions
	Folders      []Folder
	Crypto       []CryptoIdentity
	Connections  []Connection
	ContactPorts []ContactPort
}

// Snapshot reads the relationship graph in one transaction.
func (db *DB) Snapshot() (*Snapshot, error) {
	const op = "snapshot"
	if err := db.check(op); err != nil {
		return nil, err
	}
	s := &Snapshot{}
	err := db.inTx(func(tx *sql.Tx) error {
		var err error
		if s.Permissions, err = queryAll(tx, `SELECT `+permissionColumns+` FROM permissions`, scanPermissions); err != nil {
			return err
		}
		if s.Folders, err = queryAll(tx, `SELECT id, name, permissions_id, created_at FROM folders`,
			func(r interface{ Scan(...any) error }) (*Folder, error) {
				var f Folder
				return &f, r.Scan(&f.ID, &f.Name, &f.PermissionsID, &f.CreatedAt)
			}); err != nil {
			return err
		}
		if s.Crypto, err = queryAll(tx, `
			SELECT crypto_id, private_key, public_key, shared_secret, peer_public_key_hash FROM crypto
			WHERE crypto_id IN (SELECT crypto_id FROM connections)`,
			func(r interface{ Scan(...any) error }) (*CryptoIdentity, error) {
				var ci CryptoIdentity
				return &ci, r.Scan(&ci.ID, &ci.PrivateKey, &ci.PublicKey, &ci.SharedSecret, &ci.PeerPublicKeyHash)
			}); err != nil {
			return err
		}
		if s.Connections, err = queryAll(tx, `SELECT `+connectionColumns+` FROM connections`, scanConnection); err != nil {
			return err
		}
		if s.ContactPorts, err = queryAll(tx, `SELECT pair_hash, owner, bundle_id, url, paused, updated_at FROM contact_ports`,
			func(r interface{ Scan(...any) error }) (*ContactPort, error) {
				var cp ContactPort
				return &cp, r.Scan(&cp.PairHash, &cp.Owner, &cp.BundleID, &cp.URL, &cp.Paused, &cp.UpdatedAt)
			}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	if s.Profile, err = db.GetProfile(); err != nil {
		return nil, err
	}
	return s, nil
}

func queryAll[T any](q querier, query string, scan func(interface{ Scan(...any) error }) (*T, error)) ([]T, error) {
	rows, err := q.Query(query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Restore merges a snapshot into the store. Rows that already exist are
// kept as they are.
func (db *DB) Restore(s *Snapshot) error {
	const op = "restore"
	if err := db.check(op); err != nil {
		return err
	}
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		for _, p := range s.Permissions {
			if _, err := tx.Exec(`
				INSERT INTO permissions (`+permissionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
				p.ID, p.Notifications, p.AutoDownload, p.ContactSharing, p.DisplayPicture,
				p.ReadReceipts, p.Focus, p.Favourite, p.Calling, p.DisappearingMessages); err != nil {
				return err
			}
		}
		for _, f := range s.Folders {
			if _, err := tx.Exec(`
				INSERT INTO folders (id, name, permissions_id, created_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING`, f.ID, f.Name, f.PermissionsID, f.CreatedAt); err != nil {
				return err
			}
		}
		for _, ci := range s.Crypto {
			if _, err := tx.Exec(`
				INSERT INTO crypto (crypto_id, private_key, public_key, shared_secret, peer_public_key_hash)
				VALUES (?, ?, ?, ?, ?) ON CONFLICT(crypto_id) DO NOTHING`,
				ci.ID, ci.PrivateKey, ci.PublicKey, ci.SharedSecret, ci.PeerPublicKeyHash); err != nil {
				return err
			}
		}
		for _, c := range s.Connections {
			if _, err := tx.Exec(`
				INSERT INTO connections (`+connectionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				c.ChatID, c.Type, c.PairHash, c.Name, c.FolderID, c.PermissionsID,
				c.CryptoID, c.BundleID, c.InfoSent, c.InfoReceived, c.Authenticated, c.Disconnected,
				"", 0, c.Timestamp); err != nil {
				return err
			}
		}
		for _, cp := range s.ContactPorts {
			if _, err := tx.Exec(`
				INSERT INTO contact_ports (pair_hash, owner, bundle_id, url, paused, updated_at)
				VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				cp.PairHash, cp.Owner, cp.BundleID, cp.URL, cp.Paused, cp.UpdatedAt); err != nil {
				return err
			}
		}
		if p := s.Profile; p != nil {
			if _, err := tx.Exec(`
				INSERT INTO profile (id, client_id, name, signing_public, signing_private, picture_media)
				VALUES (1, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
				p.ClientID, p.Name, p.SigningPublic, p.SigningPrivate, p.PictureMedia); err != nil {
				return err
			}
		}
		return nil
	}))
}

var purgeOrder = []string{
	"reactions", "messages", "group_messages", "group_members", "unprocessed", "bundle_map", "read_ports",
	"contact_ports", "connections", "ports", "crypto", "folders", "permission_presets", "permissions",
	"sync_state", "profile",
}

// Purge deletes every row and re-seeds the default folder and preset.
func (db *DB) Purge() error {
	const op = "purge"
	if err := db.check(op); err != nil {
		return err
	}
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		for _, table := range purgeOrder {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`INSERT INTO permissions (id) VALUES (?)`, DefaultFolderID); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO folders (id, name, permissions_id) VALUES (?, 'Default', ?)`,
			DefaultFolderID, DefaultFolderID); err != nil {
			return err
		}
		return seedDefaultPreset(tx)
	}))
}
