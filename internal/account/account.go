// Package account removes everything this device holds for an account.
package account

import (
	"context"
	"fmt"
	"os"

	"github.com/matheus3301/port/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Remote deletes the account on the relay. relay.API satisfies it.
type Remote interface {
	DeleteAccount(ctx context.Context) error
}

// Wiper deletes the relay account, local media and the store contents.
type Wiper struct {
	db       *store.DB
	remote   Remote
	mediaDir string
	logger   *zap.Logger
}

// NewWiper creates a Wiper.
func NewWiper(db *store.DB, remote Remote, mediaDir string, logger *zap.Logger) *Wiper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Wiper{db: db, remote: remote, mediaDir: mediaDir, logger: logger}
}

// Wipe runs every step even when an earlier one fails, so a device that
// cannot reach the relay still forgets its local data. The failures are
// combined.
func (w *Wiper) Wipe(ctx context.Context) error {
	var errs error
	if err := w.remote.DeleteAccount(ctx); err != nil {
		w.logger.Warn("relay account not deleted", zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("relay: %w", err))
	}
	if w.mediaDir != "" {
		if err := os.RemoveAll(w.mediaDir); err != nil {
			w.logger.Warn("media not removed", zap.String("dir", w.mediaDir), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("media: %w", err))
		} else if err := os.MkdirAll(w.mediaDir, 0o700); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("media: %w", err))
		}
	}
	if err := w.db.Purge(); err != nil {
		w.logger.Error("store not purged", zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("store: %w", err))
	}
	if errs == nil {
		w.logger.Info("account wiped")
	}
	return errs
}
