// Package handshake turns a consumed bundle into an authenticated
// connection. The reader derives the chat secret from the bundle key and
// opens the chat through the relay with a sealed intro; the generator
// derives the same secret from the intro. Each side then sends its
// InitialInfo, and the chat is authenticated once ours was acknowledged
// and theirs was processed.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/matheus3301/port/internal/bundle"
	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/crypto"
	"github.com/matheus3301/port/internal/relay"
	"github.com/matheus3301/port/internal/store"
	"go.uber.org/zap"
)

// ErrRejected marks an intro that can never be accepted. The inbound item
// carrying it should be dropped rather than retried.
var ErrRejected = errors.New("handshake rejected")

// ErrInvalidTransition is returned for a lifecycle change the state table
// forbids.
var ErrInvalidTransition = errors.New("invalid connection transition")

// Journaler journals an outgoing message. *outbox.Sender satisfies it.
type Journaler interface {
	Journal(ctx context.Context, chatID string, c content.Content, replyID string) (*store.Message, error)
}

// ContactPorts issues our contact port for a chat. *ports.Manager
// satisfies it.
type ContactPorts interface {
	IssueContactPort(ctx context.Context, chatID string) (*store.ContactPort, error)
}

// intro is the opaque payload of a new chat request. Sealed holds an
// introBody under the pairwise secret.
type intro struct {
	PublicKey []byte `cbor:"1,keyasint"`
	Sealed    []byte `cbor:"2,keyasint"`
}

type introBody struct {
	Rad  string `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint,omitempty"`
}

// Protocol runs both sides of the exchange.
type Protocol struct {
	db       *store.DB
	relay    relay.API
	journal  Journaler
	contacts ContactPorts
	clientID string
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Protocol for the device identified by clientID. contacts
// may be nil, in which case InitialInfo carries no contact bundle.
func New(db *store.DB, api relay.API, journal Journaler, contacts ContactPorts, clientID string, b *bus.Bus, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		db:       db,
		relay:    api,
		journal:  journal,
		contacts: contacts,
		clientID: clientID,
		bus:      b,
		logger:   logger,
		now:      time.Now,
	}
}

// Initiate is the reader side. It derives the secret, opens the chat on the
// relay, stores the pending connection and journals our InitialInfo.
// Relay and store errors are returned unchanged for the caller to map.
func (p *Protocol) Initiate(ctx context.Context, b *bundle.Bundle, folderID string) (*store.Connection, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pairwise, err := crypto.SharedSecret(kp.Private, b.PubKey)
	if err != nil {
		return nil, fmt.Errorf("derive secret: %w", err)
	}
	secret := pairwise
	if b.Target == bundle.TargetGroup {
		if secret, err = crypto.GroupSecret(b.PubKey, b.Rad); err != nil {
			return nil, err
		}
	}

	name, err := p.profileName()
	if err != nil {
		return nil, err
	}
	body, err := cbor.Marshal(introBody{Rad: b.Rad, Name: name})
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(pairwise, body)
	if err != nil {
		return nil, err
	}
	payload, err := cbor.Marshal(intro{PublicKey: kp.Public, Sealed: sealed})
	if err != nil {
		return nil, err
	}

	resp, err := p.relay.NewChat(ctx, relay.NewChatRequest{BundleID: b.BundleID, Intro: payload})
	if err != nil {
		return nil, err
	}

	folderID, perms, err := p.folderPermissions(folderID)
	if err != nil {
		return nil, err
	}
	typ := store.Direct
	if b.Target == bundle.TargetGroup {
		typ = store.Group
	}
	conn := &store.Connection{
		ChatID:    resp.ChatID,
		Type:      typ,
		PairHash:  resp.PairHash,
		Name:      b.Label,
		FolderID:  folderID,
		BundleID:  b.BundleID,
		Timestamp: p.now().UnixMilli(),
	}
	ci := &store.CryptoIdentity{
		PrivateKey:        kp.Private,
		PublicKey:         kp.Public,
		SharedSecret:      secret,
		PeerPublicKeyHash: b.KeyHash,
	}
	if err := p.db.CreateConnection(conn, *perms, ci); err != nil {
		return nil, err
	}

	log := p.logger.With(zap.String("chat_id", conn.ChatID))
	log.Info("chat opened", zap.String("bundle_id", b.BundleID), zap.String("type", string(typ)))
	p.bus.Emit(bus.ConnectionCreated, conn.ChatID)

	if err := p.sendInitialInfo(ctx, conn, true); err != nil {
		log.Warn("initial info not journaled", zap.Error(err))
	}
	return conn, nil
}

// Accept is the generator side, run for a new_chat item from the relay.
// Processing the same item twice returns the stored connection.
func (p *Protocol) Accept(ctx context.Context, chatID, bundleID, senderID string, payload []byte) (*store.Connection, error) {
	existing, err := p.db.GetConnection(chatID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Type == store.Group {
			// Another member joined the group we generated.
			if err := p.db.RecordPortUse(bundleID, p.now().UnixMilli()); err != nil {
				p.logger.Warn("group join not counted", zap.String("bundle_id", bundleID), zap.Error(err))
			}
		}
		return existing, nil
	}

	port, err := p.db.GetPort(bundleID)
	if err != nil {
		return nil, err
	}
	if port == nil {
		return nil, fmt.Errorf("%w: unknown bundle %s", ErrRejected, bundleID)
	}
	ci, err := p.db.GetCrypto(port.CryptoID)
	if err != nil {
		return nil, err
	}
	if ci == nil {
		return nil, fmt.Errorf("%w: bundle %s has no key", ErrRejected, bundleID)
	}

	var in intro
	if err := cbor.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("%w: intro: %v", ErrRejected, err)
	}
	pairwise, err := crypto.SharedSecret(ci.PrivateKey, in.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	plain, err := crypto.Open(pairwise, in.Sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: intro: %v", ErrRejected, err)
	}
	var body introBody
	if err := cbor.Unmarshal(plain, &body); err != nil {
		return nil, fmt.Errorf("%w: intro body: %v", ErrRejected, err)
	}
	if body.Rad != port.Rad {
		return nil, fmt.Errorf("%w: rad mismatch", ErrRejected)
	}

	secret := pairwise
	pairHash := relay.PairHash(p.clientID, senderID)
	name := body.Name
	if port.Target == store.Group {
		if secret, err = crypto.GroupSecret(ci.PublicKey, port.Rad); err != nil {
			return nil, err
		}
		pairHash = relay.GroupPairHash(chatID, p.clientID)
		name = port.Label
	}

	perms, err := p.db.GetPermissions(port.PermissionsID)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		d := store.DefaultPermissions()
		perms = &d
	}
	conn := &store.Connection{
		ChatID:    chatID,
		Type:      port.Target,
		PairHash:  pairHash,
		Name:      name,
		FolderID:  port.FolderID,
		Timestamp: p.now().UnixMilli(),
	}
	newCI := &store.CryptoIdentity{
		PrivateKey:        ci.PrivateKey,
		PublicKey:         ci.PublicKey,
		SharedSecret:      secret,
		PeerPublicKeyHash: crypto.Hash(in.PublicKey),
	}
	err = p.db.AcceptConnection(bundleID, p.now().UnixMilli(), conn, *perms, newCI)
	switch {
	case errors.Is(err, store.ErrConnectionExists):
		return p.db.GetConnection(chatID)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrPortPaused),
		errors.Is(err, store.ErrPortExhausted), errors.Is(err, store.ErrPortExpired),
		errors.Is(err, store.ErrPairHashExists):
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	case err != nil:
		return nil, err
	}

	log := p.logger.With(zap.String("chat_id", chatID))
	log.Info("chat accepted", zap.String("bundle_id", bundleID))
	p.bus.Emit(bus.ConnectionCreated, chatID)

	if err := p.sendInitialInfo(ctx, conn, false); err != nil {
		log.Warn("initial info not journaled", zap.Error(err))
	}
	return conn, nil
}

// sendInitialInfo journals our half of the exchange. Readers send their
// name; generators their disappearing timeout. Both include their contact
// bundle on direct chats and a profile picture when the chat permits it.
func (p *Protocol) sendInitialInfo(ctx context.Context, conn *store.Connection, asReader bool) error {
	profile, err := p.db.GetProfile()
	if err != nil {
		return err
	}
	perms, err := p.db.ChatPermissions(conn.ChatID)
	if err != nil {
		return err
	}

	var info content.InitialInfo
	if asReader && profile != nil {
		info.Name = profile.Name
	}
	if !asReader && perms != nil {
		secs := perms.DisappearingMessages
		info.DisappearingSeconds = &secs
	}
	if conn.Type == store.Direct && p.contacts != nil {
		cp, err := p.contacts.IssueContactPort(ctx, conn.ChatID)
		if err != nil {
			p.logger.Warn("contact port not issued", zap.String("chat_id", conn.ChatID), zap.Error(err))
		} else {
			info.ContactBundle = cp.URL
		}
	}
	if perms != nil && perms.DisplayPicture && profile != nil && len(profile.PictureMedia) > 0 {
		var m content.Media
		if err := cbor.Unmarshal(profile.PictureMedia, &m); err == nil {
			info.ProfilePicture = &m
		}
	}

	_, err = p.journal.Journal(ctx, conn.ChatID, info, "")
	return err
}

// ReceiveInitialInfo applies the peer's InitialInfo and sets infoReceived.
// Applying it twice has no further effect.
func (p *Protocol) ReceiveInitialInfo(chatID string, info content.InitialInfo) (*store.Connection, error) {
	conn, err := p.db.GetConnection(chatID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	if conn.Disconnected {
		return conn, nil
	}

	if info.Name != "" && conn.Type == store.Direct && conn.Name == "" {
		if err := p.db.SetConnectionName(chatID, info.Name); err != nil {
			return nil, err
		}
	}
	if info.ContactBundle != "" && conn.Type == store.Direct {
		b, err := bundle.Parse(info.ContactBundle)
		if err != nil {
			p.logger.Warn("peer contact bundle ignored", zap.String("chat_id", chatID), zap.Error(err))
		} else if err := p.db.UpsertContactPort(&store.ContactPort{
			PairHash:  conn.PairHash,
			Owner:     store.OwnerPeer,
			BundleID:  b.BundleID,
			URL:       info.ContactBundle,
			UpdatedAt: p.now().UnixMilli(),
		}); err != nil {
			return nil, err
		}
	}
	if info.DisappearingSeconds != nil {
		perms, err := p.db.ChatPermissions(chatID)
		if err != nil {
			return nil, err
		}
		if perms != nil && perms.DisappearingMessages != *info.DisappearingSeconds {
			perms.DisappearingMessages = *info.DisappearingSeconds
			if err := p.db.UpdatePermissions(*perms); err != nil {
				return nil, err
			}
		}
	}

	was := conn.Authenticated
	conn, err = p.db.MarkInfoReceived(chatID)
	if err != nil {
		return nil, err
	}
	if conn.Authenticated && !was {
		p.logger.Info("connection authenticated", zap.String("chat_id", chatID))
		p.bus.Emit(bus.ConnectionAuthenticated, chatID)
	}
	return conn, nil
}

// RetryInitialInfo journals our InitialInfo again for a pending chat whose
// previous copy is no longer waiting to be sent. The secret is never
// derived again.
func (p *Protocol) RetryInitialInfo(ctx context.Context, chatID string) error {
	conn, err := p.db.GetConnection(chatID)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	if StateOf(conn) != PendingExchange || conn.InfoSent {
		return nil
	}
	queued, err := p.db.HasPending(chatID, content.TypeInitialInfo)
	if err != nil || queued {
		return err
	}
	e, err := p.db.BundleMapGet(conn.BundleID)
	if err != nil {
		return err
	}
	asReader := e != nil && e.ChatID == chatID
	return p.sendInitialInfo(ctx, conn, asReader)
}

// Disconnect tells the peer the chat is over and marks it disconnected.
func (p *Protocol) Disconnect(ctx context.Context, chatID string) error {
	conn, err := p.db.GetConnection(chatID)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	if !CanTransition(StateOf(conn), Disconnected) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StateOf(conn), Disconnected)
	}
	if _, err := p.journal.Journal(ctx, chatID, content.Disconnect{}, ""); err != nil {
		return err
	}
	return p.Disconnected(chatID)
}

// Disconnected marks the chat disconnected without notifying the peer.
// It is used when the peer ended the chat.
func (p *Protocol) Disconnected(chatID string) error {
	changed, err := p.db.MarkDisconnected(chatID)
	if err != nil {
		return err
	}
	if changed {
		p.logger.Info("connection disconnected", zap.String("chat_id", chatID))
		p.bus.Emit(bus.ConnectionDisconnected, chatID)
	}
	return nil
}

func (p *Protocol) profileName() (string, error) {
	profile, err := p.db.GetProfile()
	if err != nil || profile == nil {
		return "", err
	}
	return profile.Name, nil
}

// folderPermissions returns the folder a new chat lands in with its
// template. A missing folder falls back to the default one.
func (p *Protocol) folderPermissions(folderID string) (string, *store.Permissions, error) {
	if folderID == "" {
		folderID = store.DefaultFolderID
	}
	f, err := p.db.GetFolder(folderID)
	if err != nil {
		return "", nil, err
	}
	if f == nil && folderID != store.DefaultFolderID {
		return p.folderPermissions(store.DefaultFolderID)
	}
	if f != nil {
		perms, err := p.db.GetPermissions(f.PermissionsID)
		if err != nil {
			return "", nil, err
		}
		if perms != nil {
			return folderID, perms, nil
		}
	}
	d := store.DefaultPermissions()
	return folderID, &d, nil
}
