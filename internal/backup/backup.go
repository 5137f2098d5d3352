// Package backup exports and imports the relationship graph: profile,
// folders, permissions, connections with their keys, and contact ports.
// A backup is a CBOR document compressed with zstd and encrypted under a
// password with age's scrypt recipient.
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/matheus3301/port/internal/crypto"
	"github.com/matheus3301/port/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Version is the format written by Export.
const Version = 1

// ErrVersion is returned when importing a backup written by a newer format.
var ErrVersion = errors.New("unsupported backup version")

type document struct {
	Version   int             `cbor:"1,keyasint"`
	CreatedAt int64           `cbor:"2,keyasint"`
	Snapshot  *store.Snapshot `cbor:"3,keyasint"`
}

// Service writes and reads backups of one store.
type Service struct {
	db     *store.DB
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Service. dir is where ExportToDir places files.
func New(db *store.DB, dir string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, dir: dir, logger: logger, now: time.Now}
}

// Export writes an encrypted backup to w.
func (s *Service) Export(w io.Writer, password string) error {
	if password == "" {
		return errors.New("backup password is empty")
	}
	snap, err := s.db.Snapshot()
	if err != nil {
		return err
	}

	enc, err := crypto.PasswordEncrypt(w, password)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(enc, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = enc.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}
	err = cbor.NewEncoder(zw).Encode(&document{
		Version:   Version,
		CreatedAt: s.now().UnixMilli(),
		Snapshot:  snap,
	})
	err = multierr.Append(err, zw.Close())
	err = multierr.Append(err, enc.Close())
	if err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	s.logger.Info("backup exported", zap.Int("connections", len(snap.Connections)))
	return nil
}

// Import decrypts a backup from r and merges it into the store. Existing
// rows are kept.
func (s *Service) Import(r io.Reader, password string) error {
	plain, err := crypto.PasswordDecrypt(r, password)
	if err != nil {
		return err
	}
	zr, err := zstd.NewReader(plain)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	var doc document
	if err := cbor.NewDecoder(zr).Decode(&doc); err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if doc.Version > Version {
		return fmt.Errorf("%w: %d", ErrVersion, doc.Version)
	}
	if doc.Snapshot == nil {
		return errors.New("backup carries no snapshot")
	}
	if err := s.db.Restore(doc.Snapshot); err != nil {
		return err
	}
	s.logger.Info("backup imported",
		zap.Int("connections", len(doc.Snapshot.Connections)),
		zap.Time("created_at", time.UnixMilli(doc.CreatedAt)))
	return nil
}

// ExportToDir writes a timestamped backup into the backup directory and
// returns its path. A failed export leaves no file behind.
func (s *Service) ExportToDir(password string) (path string, err error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", err
	}
	path = filepath.Join(s.dir, "port-"+s.now().UTC().Format("20060102-150405")+".backup")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
		if err != nil {
			_ = os.Remove(path)
			path = ""
		}
	}()
	return path, s.Export(f, password)
}

// ImportFile reads a backup from path.
func (s *Service) ImportFile(path, password string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return s.Import(f, password)
}
