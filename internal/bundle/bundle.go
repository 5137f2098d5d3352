// Package bundle encodes port invitations as shareable URLs. A bundle is a
// flat key/value map carried in the query string of https://<host>/.
package bundle

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/port/internal/crypto"
)

// Org marks bundles produced by this client.
const Org = "port"

// Version is the bundle format version.
const Version = "1"

// Kind distinguishes the three invitation flavours.
type Kind string

const (
	KindPort      Kind = "port"
	KindSuperPort Kind = "superport"
	KindContact   Kind = "contact"
)

// Target is the connection type a bundle produces.
type Target string

const (
	TargetDirect Target = "direct"
	TargetGroup  Target = "group"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid bundle")

// Bundle is the payload of an invitation URL.
type Bundle struct {
	BundleID string
	Kind     Kind
	Target   Target
	Label    string
	// PubKey is the generator's X25519 public key.
	PubKey []byte
	// KeyHash is crypto.Hash(PubKey), checked on parse.
	KeyHash string
	// Rad is random authentication data the reader echoes back.
	Rad string
	// Expiry in unix milliseconds; zero means none.
	Expiry int64
}

const (
	keyOrg      = "org"
	keyVersion  = "v"
	keyBundleID = "id"
	keyKind     = "kind"
	keyTarget   = "target"
	keyLabel    = "label"
	keyPubKey   = "pk"
	keyKeyHash  = "kh"
	keyRad      = "rad"
	keyExpiry   = "exp"
)

// Map returns the flat key/value form of b.
func (b *Bundle) Map() map[string]string {
	m := map[string]string{
		keyOrg:      Org,
		keyVersion:  Version,
		keyBundleID: b.BundleID,
		keyKind:     string(b.Kind),
		keyTarget:   string(b.Target),
		keyPubKey:   base64.RawURLEncoding.EncodeToString(b.PubKey),
		keyKeyHash:  b.KeyHash,
		keyRad:      b.Rad,
	}
	if b.Label != "" {
		m[keyLabel] = b.Label
	}
	if b.Expiry > 0 {
		m[keyExpiry] = strconv.FormatInt(b.Expiry, 10)
	}
	return m
}

// FromMap validates and converts a key/value map into a Bundle.
func FromMap(m map[string]string) (*Bundle, error) {
	if m[keyOrg] != Org {
		return nil, fmt.Errorf("%w: org %q", ErrInvalid, m[keyOrg])
	}
	if m[keyVersion] != Version {
		return nil, fmt.Errorf("%w: version %q", ErrInvalid, m[keyVersion])
	}
	for _, k := range []string{keyBundleID, keyPubKey, keyKeyHash, keyRad} {
		if m[k] == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalid, k)
		}
	}

	b := &Bundle{
		BundleID: m[keyBundleID],
		Kind:     Kind(m[keyKind]),
		Target:   Target(m[keyTarget]),
		Label:    m[keyLabel],
		KeyHash:  m[keyKeyHash],
		Rad:      m[keyRad],
	}
	switch b.Kind {
	case KindPort, KindSuperPort, KindContact:
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalid, b.Kind)
	}
	switch b.Target {
	case TargetDirect, TargetGroup:
	default:
		return nil, fmt.Errorf("%w: target %q", ErrInvalid, b.Target)
	}

	pk, err := base64.RawURLEncoding.DecodeString(m[keyPubKey])
	if err != nil || len(pk) != crypto.KeySize {
		return nil, fmt.Errorf("%w: public key", ErrInvalid)
	}
	if crypto.Hash(pk) != b.KeyHash {
		return nil, fmt.Errorf("%w: key hash mismatch", ErrInvalid)
	}
	b.PubKey = pk

	if v := m[keyExpiry]; v != "" {
		exp, err := strconv.ParseInt(v, 10, 64)
		if err != nil || exp < 0 {
			return nil, fmt.Errorf("%w: expiry %q", ErrInvalid, v)
		}
		b.Expiry = exp
	}
	return b, nil
}

// Expired reports whether the bundle's expiry has elapsed at now.
func (b *Bundle) Expired(now time.Time) bool {
	return b.Expiry > 0 && now.UnixMilli() >= b.Expiry
}

// URL renders b as an invitation link on host.
func (b *Bundle) URL(host string) string {
	return ToURL(host, b.Map())
}

// Parse decodes and validates an invitation link.
func Parse(raw string) (*Bundle, error) {
	m, err := FromURL(raw)
	if err != nil {
		return nil, err
	}
	return FromMap(m)
}

// ToURL encodes m as https://host/?k=v&... with keys in sorted order.
func ToURL(host string, m map[string]string) string {
	q := url.Values{}
	for k, v := range m {
		q.Set(k, v)
	}
	u := url.URL{Scheme: "https", Host: host, Path: "/", RawQuery: q.Encode()}
	return u.String()
}

// FromURL decodes the query string of raw back into a map. It is the
// inverse of ToURL for every map.
func FromURL(raw string) (map[string]string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	m := make(map[string]string, len(q))
	for k, vs := range q {
		m[k] = vs[len(vs)-1]
	}
	return m, nil
}
