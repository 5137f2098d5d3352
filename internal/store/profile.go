package store

import (
	"database/sql"
	"errors"
)

// GetProfile returns this device's profile, or nil before it is created.
func (db *DB) GetProfile() (*Profile, error) {
	const op = "get profile"
	if err := db.check(op); err != nil {
		return nil, err
	}
	var p Profile
	err := db.QueryRow(`
		SELECT client_id, name, signing_public, signing_private, picture_media
		FROM profile WHERE id = 1`).
		Scan(&p.ClientID, &p.Name, &p.SigningPublic, &p.SigningPrivate, &p.PictureMedia)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	return &p, nil
}

// SaveProfile creates or replaces the profile.
func (db *DB) SaveProfile(p *Profile) error {
	const op = "save profile"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`
		INSERT INTO profile (id, client_id, name, signing_public, signing_private, picture_media)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			name = excluded.name,
			signing_public = excluded.signing_public,
			signing_private = excluded.signing_private,
			picture_media = excluded.picture_media`,
		p.ClientID, p.Name, p.SigningPublic, p.SigningPrivate, p.PictureMedia)
	return wrap(op, err)
}
