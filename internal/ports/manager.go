// Package ports manages invitations: ports and superports we generate,
// contact ports exchanged inside chats, and bundles we read from others.
package ports

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/port/internal/bundle"
	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/crypto"
	"github.com/matheus3301/port/internal/relay"
	"github.com/matheus3301/port/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Journaler journals an outgoing message. *outbox.Sender satisfies it.
type Journaler interface {
	Journal(ctx context.Context, chatID string, c content.Content, replyID string) (*store.Message, error)
}

// Config holds the manager's defaults.
type Config struct {
	// Host is the authority bundle URLs are rendered on.
	Host string
	// DefaultExpiry applies when CreateOptions.Expiry is zero.
	DefaultExpiry time.Duration
}

// CreateOptions describes a new port.
type CreateOptions struct {
	Target store.ConnectionType
	Kind   store.PortKind
	// ConnectionLimit applies to superports; zero means unlimited. Ports
	// are always single-use and contact ports always unlimited.
	ConnectionLimit int
	// Expiry of zero uses the default; a negative value means none.
	Expiry        time.Duration
	PermissionsID string
	PresetID      string
	FolderID      string
	Label         string
}

// Manager creates and maintains the ports this device generates.
type Manager struct {
	db      *store.DB
	relay   relay.API
	journal Journaler
	cfg     Config
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a port manager.
func NewManager(db *store.DB, api relay.API, journal Journaler, b *bus.Bus, logger *zap.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:      db,
		relay:   api,
		journal: journal,
		cfg:     cfg,
		bus:     b,
		logger:  logger,
		now:     time.Now,
	}
}

// CreatePort generates a keypair and rad, stores the port with a copy of
// its permission template and registers it with the relay. The returned
// port carries its shareable URL.
func (m *Manager) CreatePort(ctx context.Context, opts CreateOptions) (*store.Port, error) {
	if opts.Kind == "" {
		opts.Kind = store.KindPort
	}
	if opts.Target == "" {
		opts.Target = store.Direct
	}
	limit := opts.ConnectionLimit
	switch opts.Kind {
	case store.KindPort:
		limit = 1
	case store.KindSuperPort:
		if limit < 0 {
			return nil, fmt.Errorf("connection limit %d is negative", limit)
		}
	case store.KindContact:
		limit, opts.Expiry = 0, -1
	default:
		return nil, fmt.Errorf("unknown port kind %q", opts.Kind)
	}

	now := m.now()
	var expiry int64
	switch {
	case opts.Expiry > 0:
		expiry = now.Add(opts.Expiry).UnixMilli()
	case opts.Expiry == 0 && m.cfg.DefaultExpiry > 0:
		expiry = now.Add(m.cfg.DefaultExpiry).UnixMilli()
	}

	perms, err := m.template(opts)
	if err != nil {
		return nil, err
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	rad, err := crypto.RandomToken(16)
	if err != nil {
		return nil, err
	}

	b := &bundle.Bundle{
		BundleID: uuid.NewString(),
		Kind:     bundle.Kind(opts.Kind),
		Target:   bundle.Target(opts.Target),
		Label:    opts.Label,
		PubKey:   kp.Public,
		KeyHash:  crypto.Hash(kp.Public),
		Rad:      rad,
		Expiry:   expiry,
	}
	p := &store.Port{
		BundleID:        b.BundleID,
		Kind:            opts.Kind,
		Target:          opts.Target,
		Label:           opts.Label,
		ConnectionLimit: limit,
		CreatedAt:       now.UnixMilli(),
		ExpiryTimestamp: expiry,
		FolderID:        opts.FolderID,
		Rad:             rad,
		URL:             b.URL(m.cfg.Host),
	}
	ci := &store.CryptoIdentity{PrivateKey: kp.Private, PublicKey: kp.Public}
	if err := m.db.CreatePort(p, *perms, ci); err != nil {
		return nil, err
	}

	err = m.relay.RegisterPort(ctx, relay.PortRegistration{
		BundleID:  p.BundleID,
		Limit:     limit,
		ExpiresAt: expiry,
		Target:    string(opts.Target),
	})
	if err != nil {
		if derr := m.db.DeletePort(p.BundleID); derr != nil {
			m.logger.Error("failed to roll back unregistered port", zap.String("bundle_id", p.BundleID), zap.Error(derr))
		}
		return nil, fmt.Errorf("register port: %w", err)
	}

	m.logger.Info("port created",
		zap.String("bundle_id", p.BundleID),
		zap.String("kind", string(p.Kind)),
		zap.Int("limit", limit))
	m.bus.Emit(bus.PortCreated, p.BundleID)
	return p, nil
}

// template resolves the permissions copied onto a new port: an explicit
// permissions row, else a preset, else the folder's template. A port with
// none of them takes the default preset.
func (m *Manager) template(opts CreateOptions) (*store.Permissions, error) {
	if opts.PermissionsID != "" {
		p, err := m.db.GetPermissions(opts.PermissionsID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("permissions %s: %w", opts.PermissionsID, store.ErrNotFound)
		}
		return p, nil
	}
	if opts.PresetID != "" || opts.FolderID == "" {
		p, err := m.db.PresetPermissions(opts.PresetID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("preset %s: %w", opts.PresetID, store.ErrNotFound)
		}
		return p, nil
	}
	folderID := opts.FolderID
	f, err := m.db.GetFolder(folderID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, folderID)
	}
	p, err := m.db.GetPermissions(f.PermissionsID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		d := store.DefaultPermissions()
		return &d, nil
	}
	return p, nil
}

// RecordUse consumes one use of a port we generated. A refused use comes
// back as a *ConnectionError.
func (m *Manager) RecordUse(bundleID string) error {
	err := m.db.RecordPortUse(bundleID, m.now().UnixMilli())
	if err == nil {
		return nil
	}
	if v := storeVerdict(err); v != nil {
		return v
	}
	return err
}

// GetPort returns a port, or nil.
func (m *Manager) GetPort(bundleID string) (*store.Port, error) {
	return m.db.GetPort(bundleID)
}

// ListPorts returns every port we generated.
func (m *Manager) ListPorts() ([]store.Port, error) {
	return m.db.ListPorts()
}

// PausePort stops a port from opening new chats. Existing chats are kept.
func (m *Manager) PausePort(ctx context.Context, bundleID string) error {
	return m.setPaused(ctx, bundleID, true)
}

// ResumePort reverses PausePort.
func (m *Manager) ResumePort(ctx context.Context, bundleID string) error {
	return m.setPaused(ctx, bundleID, false)
}

func (m *Manager) setPaused(ctx context.Context, bundleID string, paused bool) error {
	p, err := m.db.GetPort(bundleID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: %s", ErrPortNotFound, bundleID)
	}
	if err := m.relay.SetPortPaused(ctx, bundleID, paused); err != nil {
		return fmt.Errorf("relay pause: %w", err)
	}
	if _, err := m.db.SetPortPaused(bundleID, paused); err != nil {
		return err
	}

	kind := bus.PortResumed
	if paused {
		kind = bus.PortPaused
	}
	m.logger.Info("port paused state changed", zap.String("bundle_id", bundleID), zap.Bool("paused", paused))
	m.bus.Emit(kind, bundleID)
	return nil
}

// CleanUpPorts deletes expired or exhausted ports and expired read ports.
// It returns the deleted bundle ids.
func (m *Manager) CleanUpPorts() ([]string, error) {
	now := m.now().UnixMilli()
	removed, err := m.db.CleanUpPorts(now)
	n, rerr := m.db.DeleteExpiredReadPorts(now)
	err = multierr.Append(err, rerr)
	if len(removed) > 0 || n > 0 {
		m.logger.Info("ports cleaned", zap.Int("ports", len(removed)), zap.Int64("read_ports", n))
		m.bus.Emit(bus.PortsCleaned, removed)
	}
	return removed, err
}

// IssueContactPort returns our contact port for a direct chat, creating it
// on first use.
func (m *Manager) IssueContactPort(ctx context.Context, chatID string) (*store.ContactPort, error) {
	conn, err := m.db.GetConnection(chatID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	if conn.Type != store.Direct {
		return nil, ErrNotDirect
	}
	cp, err := m.db.GetContactPort(conn.PairHash, store.OwnerMine)
	if err != nil || cp != nil {
		return cp, err
	}

	p, err := m.CreatePort(ctx, CreateOptions{
		Kind:          store.KindContact,
		Target:        store.Direct,
		PermissionsID: conn.PermissionsID,
		FolderID:      conn.FolderID,
	})
	if err != nil {
		return nil, err
	}
	cp = &store.ContactPort{
		PairHash:  conn.PairHash,
		Owner:     store.OwnerMine,
		BundleID:  p.BundleID,
		URL:       p.URL,
		UpdatedAt: m.now().UnixMilli(),
	}
	if err := m.db.UpsertContactPort(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// PauseContactPort pauses our contact port for a relationship and tells
// the counterparty.
func (m *Manager) PauseContactPort(ctx context.Context, pairHash string) error {
	return m.setContactPaused(ctx, pairHash, true)
}

// ResumeContactPort reverses PauseContactPort.
func (m *Manager) ResumeContactPort(ctx context.Context, pairHash string) error {
	return m.setContactPaused(ctx, pairHash, false)
}

func (m *Manager) setContactPaused(ctx context.Context, pairHash string, paused bool) error {
	cp, err := m.db.GetContactPort(pairHash, store.OwnerMine)
	if err != nil {
		return err
	}
	if cp == nil {
		return ErrContactPortNotFound
	}
	if err := m.setPaused(ctx, cp.BundleID, paused); err != nil {
		return err
	}
	if _, err := m.db.SetContactPortPaused(pairHash, store.OwnerMine, paused, m.now().UnixMilli()); err != nil {
		return err
	}

	conn, err := m.db.GetConnectionByPairHash(pairHash)
	if err != nil || conn == nil || conn.Disconnected {
		return err
	}
	var c content.Content = content.ContactPortResume{}
	if paused {
		c = content.ContactPortPause{}
	}
	_, err = m.journal.Journal(ctx, conn.ChatID, c, "")
	return err
}

// ShareContactPort forwards the contact port of the peer in fromChatID
// into toChatID, introducing the two peers to each other.
func (m *Manager) ShareContactPort(ctx context.Context, fromChatID, toChatID string) (*store.Message, error) {
	from, err := m.db.GetConnection(fromChatID)
	if err != nil {
		return nil, err
	}
	if from == nil {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, fromChatID)
	}
	perms, err := m.db.ChatPermissions(fromChatID)
	if err != nil {
		return nil, err
	}
	if perms == nil || !perms.ContactSharing {
		return nil, ErrContactSharingOff
	}
	cp, err := m.db.GetContactPort(from.PairHash, store.OwnerPeer)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, ErrContactPortNotFound
	}
	if cp.Paused {
		return nil, ErrContactPortPaused
	}
	return m.journal.Journal(ctx, toChatID, content.ContactBundle{URL: cp.URL, Name: from.Name, Shared: true}, "")
}

// ProcessContactPorts issues and sends a contact port on every
// authenticated direct chat that does not have one yet.
func (m *Manager) ProcessContactPorts(ctx context.Context) error {
	conns, err := m.db.ListAuthenticated()
	if err != nil {
		return err
	}
	var errs error
	for _, c := range conns {
		if c.Type != store.Direct {
			continue
		}
		existing, err := m.db.GetContactPort(c.PairHash, store.OwnerMine)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if existing != nil {
			continue
		}
		cp, err := m.IssueContactPort(ctx, c.ChatID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("issue contact port for %s: %w", c.ChatID, err))
			continue
		}
		if _, err := m.journal.Journal(ctx, c.ChatID, content.ContactBundle{URL: cp.URL}, ""); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
