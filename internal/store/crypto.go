package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

func insertCrypto(q querier, ci *CryptoIdentity) error {
	if ci.ID == "" {
		ci.ID = uuid.NewString()
	}
	_, err := q.Exec(`
		INSERT INTO crypto (crypto_id, private_key, public_key, shared_secret, peer_public_key_hash)
		VALUES (?, ?, ?, ?, ?)`,
		ci.ID, ci.PrivateKey, ci.PublicKey, ci.SharedSecret, ci.PeerPublicKeyHash)
	return err
}

func getCrypto(q querier, id string) (*CryptoIdentity, error) {
	var ci CryptoIdentity
	err := q.QueryRow(`
		SELECT crypto_id, private_key, public_key, shared_secret, peer_public_key_hash
		FROM crypto WHERE crypto_id = ?`, id).
		Scan(&ci.ID, &ci.PrivateKey, &ci.PublicKey, &ci.SharedSecret, &ci.PeerPublicKeyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ci, nil
}

// GetCrypto returns the key material by id, or nil.
func (db *DB) GetCrypto(id string) (*CryptoIdentity, error) {
	const op = "get crypto"
	if err := db.check(op); err != nil {
		return nil, err
	}
	ci, err := getCrypto(db, id)
	return ci, wrap(op, err)
}

// ChatCrypto returns the key material of a connection, or nil.
func (db *DB) ChatCrypto(chatID string) (*CryptoIdentity, error) {
	const op = "chat crypto"
	if err := db.check(op); err != nil {
		return nil, err
	}
	var id string
	err := db.QueryRow(`SELECT crypto_id FROM connections WHERE chat_id = ?`, chatID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	ci, err := getCrypto(db, id)
	return ci, wrap(op, err)
}

// SetSharedSecret records the derived secret and the peer key hash.
func (db *DB) SetSharedSecret(cryptoID string, secret []byte, peerKeyHash string) error {
	const op = "set shared secret"
	if err := db.check(op); err != nil {
		return err
	}
	res, err := db.Exec(`UPDATE crypto SET shared_secret = ?, peer_public_key_hash = ? WHERE crypto_id = ?`,
		secret, peerKeyHash, cryptoID)
	if err != nil {
		return wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(op, ErrNotFound)
	}
	return nil
}
