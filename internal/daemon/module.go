package daemon

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/port/internal/account"
	"github.com/matheus3301/port/internal/api"
	"github.com/matheus3301/port/internal/backup"
	"github.com/matheus3301/port/internal/bundlemap"
	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/config"
	"github.com/matheus3301/port/internal/crypto"
	"github.com/matheus3301/port/internal/handshake"
	"github.com/matheus3301/port/internal/lock"
	"github.com/matheus3301/port/internal/logging"
	"github.com/matheus3301/port/internal/media"
	"github.com/matheus3301/port/internal/outbox"
	"github.com/matheus3301/port/internal/ports"
	"github.com/matheus3301/port/internal/relay"
	"github.com/matheus3301/port/internal/session"
	"github.com/matheus3301/port/internal/status"
	"github.com/matheus3301/port/internal/store"
	intsync "github.com/matheus3301/port/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // empty = ~/.port/config.toml
	Debug       bool
	// Relay replaces the HTTP relay client, e.g. with an in-memory
	// network. The push listener only runs against the HTTP client.
	Relay relay.API
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideProfile,
			provideRelay,
			provideSender,
			providePorts,
			provideHandshake,
			provideConsumer,
			provideEngine,
			provideReconciler,
			provideListener,
			provideMedia,
			provideBackup,
			provideWiper,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the store is never opened without it.
func provideStore(p Params, _ *lock.Lock, m *status.Machine, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	_ = m.Transition(status.Migrating)
	result, err := db.Migrate()
	if err != nil {
		_ = m.Transition(status.Error)
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideProfile loads this device's identity, creating it on first start.
func provideProfile(p Params, db *store.DB, logger *zap.Logger) (*store.Profile, error) {
	profile, err := db.GetProfile()
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}
	sk, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	profile = &store.Profile{
		ClientID:       uuid.NewString(),
		Name:           p.SessionName,
		SigningPublic:  sk.Public,
		SigningPrivate: sk.Private,
	}
	if err := db.SaveProfile(profile); err != nil {
		return nil, err
	}
	logger.Info("profile created", zap.String("client_id", profile.ClientID))
	return profile, nil
}

func provideRelay(p Params, cfg *config.Config, profile *store.Profile, logger *zap.Logger) (relay.API, error) {
	if p.Relay != nil {
		return p.Relay, nil
	}
	return relay.NewClient(relay.Config{
		BaseURL:    cfg.Relay.URL,
		ClientID:   profile.ClientID,
		SigningKey: ed25519.PrivateKey(profile.SigningPrivate),
		Logger:     logger.Named("relay"),
	})
}

func provideSender(db *store.DB, rc relay.API, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, rc, b, logger.Named("outbox"), cfg.Sync.SendInterval.Duration)
}

func providePorts(db *store.DB, rc relay.API, sender *outbox.Sender, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *ports.Manager {
	return ports.NewManager(db, rc, sender, b, logger.Named("ports"), ports.Config{
		Host:          cfg.Relay.BundleHost,
		DefaultExpiry: cfg.Ports.DefaultExpiry.Duration,
	})
}

func provideHandshake(db *store.DB, rc relay.API, sender *outbox.Sender, m *ports.Manager, profile *store.Profile, b *bus.Bus, logger *zap.Logger) *handshake.Protocol {
	return handshake.New(db, rc, sender, m, profile.ClientID, b, logger.Named("handshake"))
}

func provideConsumer(db *store.DB, hs *handshake.Protocol, b *bus.Bus, logger *zap.Logger) *ports.Consumer {
	return ports.NewConsumer(db, bundlemap.New(db), hs, b, logger.Named("ports"))
}

func provideEngine(db *store.DB, rc relay.API, hs *handshake.Protocol, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, rc, hs, sender, b, logger.Named("sync"))
}

func provideReconciler(db *store.DB, e *intsync.Engine, s *outbox.Sender, m *ports.Manager, c *ports.Consumer, hs *handshake.Protocol, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	opts := intsync.Options{
		Interval: cfg.Sync.ReconcileInterval.Duration,
		Debounce: cfg.Sync.Debounce.Duration,
	}
	return intsync.NewReconciler(db, b, logger.Named("reconciler"), opts, intsync.DefaultTasks(db, e, s, m, c, hs)...)
}

// provideListener returns nil when the relay is not the HTTP client.
func provideListener(cfg *config.Config, rc relay.API, r *intsync.Reconciler, m *status.Machine, b *bus.Bus, logger *zap.Logger) *relay.Listener {
	c, ok := rc.(*relay.Client)
	if !ok {
		return nil
	}
	return &relay.Listener{
		URL:   relay.PushURL(cfg.Relay.URL),
		Token: c.Token,
		Notify: func() {
			b.Emit(bus.RelayNotified, nil)
			r.Trigger()
		},
		State:  &connectivity{machine: m, logger: logger},
		Logger: logger.Named("push"),
	}
}

func provideMedia(p Params, rc relay.API, sender *outbox.Sender, logger *zap.Logger) *media.Service {
	return media.New(rc, sender, session.MediaDir(p.SessionName), logger.Named("media"))
}

func provideBackup(p Params, db *store.DB, cfg *config.Config, logger *zap.Logger) *backup.Service {
	dir := cfg.Backups.Dir
	if dir == "" {
		dir = filepath.Join(session.Dir(p.SessionName), "backups")
	}
	return backup.New(db, dir, logger.Named("backup"))
}

func provideWiper(p Params, db *store.DB, rc relay.API, logger *zap.Logger) *account.Wiper {
	return account.NewWiper(db, rc, session.MediaDir(p.SessionName), logger.Named("account"))
}

func provideService(
	p Params,
	db *store.DB,
	machine *status.Machine,
	b *bus.Bus,
	m *ports.Manager,
	c *ports.Consumer,
	hs *handshake.Protocol,
	sender *outbox.Sender,
	engine *intsync.Engine,
	rec *intsync.Reconciler,
	ms *media.Service,
	bs *backup.Service,
	w *account.Wiper,
	logger *zap.Logger,
) *api.Service {
	return api.New(api.Deps{
		SessionName: p.SessionName,
		DB:          db,
		Machine:     machine,
		Bus:         b,
		Ports:       m,
		Consumer:    c,
		Handshake:   hs,
		Sender:      sender,
		Engine:      engine,
		Reconciler:  rec,
		Media:       ms,
		Backup:      bs,
		Wiper:       w,
		Logger:      logger.Named("api"),
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	rc relay.API,
	profile *store.Profile,
	sender *outbox.Sender,
	rec *intsync.Reconciler,
	listener *relay.Listener,
	machine *status.Machine,
	logger *zap.Logger,
) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			sender.Start(ctx)

			go func() {
				regCtx, done := context.WithTimeout(ctx, 30*time.Second)
				defer done()
				if err := rc.RegisterClient(regCtx, profile.SigningPublic); err != nil {
					logger.Warn("relay registration failed", zap.Error(err))
				}
			}()

			if listener != nil {
				go listener.Run(ctx)
			} else {
				_ = machine.Ensure(status.Connecting)
				_ = machine.Ensure(status.Online)
			}
			rec.Start(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			rec.Stop()
			sender.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// connectivity mirrors the push channel in the state machine.
type connectivity struct {
	machine *status.Machine
	logger  *zap.Logger
}

func (c *connectivity) Connecting() { c.ensure(status.Connecting) }
func (c *connectivity) Online()     { c.ensure(status.Online) }

func (c *connectivity) Offline(err error) {
	c.logger.Debug("relay offline", zap.Error(err))
	c.ensure(status.Offline)
}

func (c *connectivity) ensure(to status.State) {
	if err := c.machine.Ensure(to); err != nil {
		c.logger.Debug("state not changed", zap.String("to", string(to)), zap.Error(err))
	}
}

var _ relay.Connectivity = (*connectivity)(nil)
