// Package crypto is the cryptographic capability used by the port core:
// X25519 key agreement, ed25519 signing, XChaCha20-Poly1305 sealing of
// strings and files, scrypt password encryption, and BLAKE3 key hashes.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of X25519 keys and of every symmetric key.
const KeySize = 32

// sealVersion prefixes every sealed blob and is authenticated as AAD.
const sealVersion byte = 0x01

const sealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var (
	hkdfInfoChat  = []byte("port.chat.v1")
	hkdfInfoGroup = []byte("port.group.v1")
)

// ErrDecrypt is returned when a ciphertext fails authentication.
var ErrDecrypt = errors.New("crypto: message authentication failed")

// KeyPair is an X25519 keypair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKeyPair returns a fresh X25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// SharedSecret derives the symmetric chat key from our private key and
// the peer's public key. Both sides of an exchange derive the same value.
func SharedSecret(private, peerPublic []byte) ([]byte, error) {
	raw, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, hkdfInfoChat), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// GroupSecret derives the key of a group chat from the invitation's public
// key and rad. Every holder of the invitation derives the same key.
func GroupSecret(public []byte, rad string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(rad), public, hkdfInfoGroup), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// NewKey returns a random symmetric key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RandomToken returns n random bytes, hex encoded.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Hash returns the hex BLAKE3-256 digest of b. Used for public key hashes
// carried in bundles and stored as peerPublicKeyHash.
func Hash(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under key:
//
//	[version:1][nonce:24][ciphertext+tag]
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xchacha20poly1305: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	out := make([]byte, 1+len(nonce), sealOverhead+len(plaintext))
	out[0] = sealVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, []byte{sealVersion}), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, fmt.Errorf("sealed blob is %d bytes, minimum is %d", len(sealed), sealOverhead)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("sealed blob version %d not supported", sealed[0])
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xchacha20poly1305: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], sealed[:1])
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// EncryptString seals s and returns it base64 encoded.
func EncryptString(key []byte, s string) (string, error) {
	sealed, err := Seal(key, []byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func DecryptString(key []byte, s string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := Open(key, sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// SigningKey is an ed25519 keypair used to authenticate to the relay.
type SigningKey struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKey returns a fresh ed25519 keypair.
func GenerateSigningKey() (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKey{Public: pub, Private: priv}, nil
}

// Sign signs msg with an ed25519 private key.
func Sign(private ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(private, msg)
}

// Verify checks an ed25519 signature.
func Verify(public ed25519.PublicKey, msg, sig []byte) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public, msg, sig)
}

// PasswordEncrypt returns a writer that encrypts everything written to it
// to dst under an scrypt-derived key. Close must be called to flush.
func PasswordEncrypt(dst io.Writer, password string) (io.WriteCloser, error) {
	recipient, err := age.NewScryptRecipient(password)
	if err != nil {
		return nil, fmt.Errorf("scrypt recipient: %w", err)
	}
	w, err := age.Encrypt(dst, recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return w, nil
}

// PasswordDecrypt returns a reader over the plaintext of src.
func PasswordDecrypt(src io.Reader, password string) (io.Reader, error) {
	identity, err := age.NewScryptIdentity(password)
	if err != nil {
		return nil, fmt.Errorf("scrypt identity: %w", err)
	}
	r, err := age.Decrypt(src, identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return r, nil
}

// PasswordSeal is PasswordEncrypt for an in-memory payload.
func PasswordSeal(plaintext []byte, password string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := PasswordEncrypt(&buf, password)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PasswordOpen is PasswordDecrypt for an in-memory payload.
func PasswordOpen(ciphertext []byte, password string) ([]byte, error) {
	r, err := PasswordDecrypt(bytes.NewReader(ciphertext), password)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
