package ports

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/port/internal/bundle"
	"github.com/matheus3301/port/internal/bundlemap"
	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/relay"
	"github.com/matheus3301/port/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Handshaker opens a chat through a bundle on the reader side.
type Handshaker interface {
	Initiate(ctx context.Context, b *bundle.Bundle, folderID string) (*store.Connection, error)
}

// Consumer opens chats through bundles generated by others.
type Consumer struct {
	db     *store.DB
	bmap   *bundlemap.Map
	hs     Handshaker
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewConsumer creates a consumer.
func NewConsumer(db *store.DB, bmap *bundlemap.Map, hs Handshaker, b *bus.Bus, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{db: db, bmap: bmap, hs: hs, bus: b, logger: logger, now: time.Now}
}

// ConsumePort opens a chat through the bundle at rawURL. A verdict on the
// bundle comes back as a ConnectionError. A transport failure stores the
// bundle as a read port for retry and returns a plain error. Reading a
// bundle that already produced a pending chat returns that chat.
func (c *Consumer) ConsumePort(ctx context.Context, rawURL, folderID string) (*store.Connection, *ConnectionError, error) {
	b, err := bundle.Parse(rawURL)
	if err != nil {
		return nil, &ConnectionError{Code: CodeInvalidPort, Err: err}, nil
	}
	log := c.logger.With(zap.String("bundle_id", b.BundleID))
	if b.Expired(c.now()) {
		return nil, &ConnectionError{Code: CodeExpiredPort}, nil
	}
	own, err := c.db.GetPort(b.BundleID)
	if err != nil {
		return nil, nil, err
	}
	if own != nil {
		return nil, &ConnectionError{Code: CodeInvalidPort, Err: errors.New("bundle was generated on this device")}, nil
	}

	var conn *store.Connection
	err = c.bmap.Update(func(v *bundlemap.View) error {
		e, err := v.Get(b.BundleID)
		if err != nil {
			return err
		}
		if e != nil {
			existing, err := c.db.GetConnection(e.ChatID)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.Authenticated || existing.Disconnected {
					return errAlreadyConnected
				}
				conn = existing
				return nil
			}
			if err := v.Remove(b.BundleID); err != nil {
				return err
			}
		}
		conn, err = c.hs.Initiate(ctx, b, folderID)
		if err != nil {
			return err
		}
		return v.Put(b.BundleID, conn.ChatID, b.Kind == bundle.KindPort)
	})
	if err == nil {
		log.Info("bundle consumed", zap.String("chat_id", conn.ChatID))
		c.bus.Emit(bus.PortConsumed, conn.ChatID)
		return conn, nil, nil
	}

	if v := storeVerdict(err); v != nil {
		log.Info("bundle refused locally", zap.String("code", string(v.Code)))
		return nil, v, nil
	}
	var se *store.StorageError
	if errors.As(err, &se) {
		return nil, nil, err
	}
	if v := relayVerdict(err); v != nil {
		log.Info("bundle refused by relay", zap.String("code", string(v.Code)))
		return nil, v, nil
	}
	if relay.IsRejection(err) || errors.Is(err, context.Canceled) {
		return nil, nil, err
	}

	log.Warn("relay unreachable, keeping bundle for retry", zap.Error(err))
	if serr := c.db.SaveReadPort(&store.ReadPort{
		BundleID:        b.BundleID,
		URL:             rawURL,
		FolderID:        folderID,
		LastError:       err.Error(),
		ExpiryTimestamp: b.Expiry,
		CreatedAt:       c.now().UnixMilli(),
	}); serr != nil {
		err = multierr.Append(err, serr)
	}
	return nil, nil, err
}

// ProcessReadPorts retries every stored read port. A read port is dropped
// once it expired or produced a chat or a verdict. A failed retry bumps
// its attempt count and stops the pass.
func (c *Consumer) ProcessReadPorts(ctx context.Context) error {
	list, err := c.db.ListReadPorts()
	if err != nil {
		return err
	}
	now := c.now().UnixMilli()
	var errs error
	for _, rp := range list {
		if rp.ExpiryTimestamp > 0 && now >= rp.ExpiryTimestamp {
			errs = multierr.Append(errs, c.db.DeleteReadPort(rp.BundleID))
			continue
		}
		_, verdict, err := c.ConsumePort(ctx, rp.URL, rp.FolderID)
		if err != nil {
			errs = multierr.Append(errs, err)
			errs = multierr.Append(errs, c.db.BumpReadPort(rp.BundleID, err.Error()))
			break
		}
		if verdict != nil {
			c.logger.Info("read port refused", zap.String("bundle_id", rp.BundleID), zap.String("code", string(verdict.Code)))
		}
		errs = multierr.Append(errs, c.db.DeleteReadPort(rp.BundleID))
	}
	return errs
}
