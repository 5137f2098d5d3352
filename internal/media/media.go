// Package media sends and fetches attachments. Files are encrypted with a
// fresh key before upload; the key travels inside the chat message, so the
// relay only ever stores ciphertext.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/crypto"
	"github.com/matheus3301/port/internal/store"
	"go.uber.org/zap"
)

// MaxFileSize is the largest attachment accepted for upload.
const MaxFileSize = 64 << 20

var (
	// ErrTooLarge is returned for files over MaxFileSize.
	ErrTooLarge = errors.New("file exceeds the size limit")
	// ErrCanceled is returned when an upload is canceled by path.
	ErrCanceled = errors.New("upload canceled")
	// ErrInFlight is returned when the same path is already uploading.
	ErrInFlight = errors.New("file is already uploading")
)

// Store holds encrypted blobs. relay.API satisfies it.
type Store interface {
	UploadMedia(ctx context.Context, mediaID string, r io.Reader) error
	DownloadMedia(ctx context.Context, mediaID string, w io.Writer) error
}

// Journaler journals an outgoing message. *outbox.Sender satisfies it.
type Journaler interface {
	Journal(ctx context.Context, chatID string, c content.Content, replyID string) (*store.Message, error)
}

// Service uploads and downloads attachments.
type Service struct {
	blobs   Store
	journal Journaler
	dir     string
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates a Service keeping local copies under dir.
func New(blobs Store, journal Journaler, dir string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		blobs:    blobs,
		journal:  journal,
		dir:      dir,
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
	}
}

// SendFile encrypts the file at path, uploads it and journals an image or
// file message referencing it. Images are recognised by content, not by
// extension.
func (s *Service) SendFile(ctx context.Context, chatID, path, caption string) (*store.Message, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect type: %w", err)
	}

	ctx, done, err := s.track(ctx, path)
	if err != nil {
		return nil, err
	}
	defer done()

	m := content.Media{
		MediaID:  uuid.NewString(),
		MIME:     mt.String(),
		FileName: filepath.Base(path),
		Size:     info.Size(),
		Caption:  caption,
	}
	log := s.logger.With(zap.String("chat_id", chatID), zap.String("media_id", m.MediaID))

	m.Key, err = crypto.NewKey()
	if err != nil {
		return nil, err
	}
	if err := s.upload(ctx, m.MediaID, m.Key, path); err != nil {
		if errors.Is(context.Cause(ctx), ErrCanceled) {
			log.Info("upload canceled", zap.String("path", path))
			return nil, ErrCanceled
		}
		return nil, err
	}
	if err := s.keepCopy(path, m.MediaID, mt.Extension()); err != nil {
		log.Warn("local copy not kept", zap.Error(err))
	}

	var c content.Content = content.File{Media: m}
	if strings.HasPrefix(mt.String(), "image/") {
		c = content.Image{Media: m}
	}
	msg, err := s.journal.Journal(ctx, chatID, c, "")
	if err != nil {
		return nil, err
	}
	log.Info("attachment sent", zap.String("mime", m.MIME), zap.Int64("size", m.Size))
	return msg, nil
}

func (s *Service) upload(ctx context.Context, mediaID string, key []byte, path string) error {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(name) }()

	if err := crypto.EncryptFile(key, path, name); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := s.blobs.UploadMedia(ctx, mediaID, f); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

func (s *Service) keepCopy(path, mediaID, ext string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	dst, err := os.OpenFile(s.Path(mediaID, ext), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// track registers path as uploading. The returned context is canceled by
// Cancel(path); done must be called when the upload ends.
func (s *Service) track(ctx context.Context, path string) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[path]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrInFlight, path)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	s.inflight[path] = func() { cancel(ErrCanceled) }
	return ctx, func() {
		s.mu.Lock()
		delete(s.inflight, path)
		s.mu.Unlock()
		cancel(nil)
	}, nil
}

// Cancel aborts the upload of path. It reports whether one was running.
func (s *Service) Cancel(path string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[path]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Uploading reports whether path is being uploaded.
func (s *Service) Uploading(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[path]
	return ok
}

// Path is where the local copy of a media item lives.
func (s *Service) Path(mediaID, ext string) string {
	return filepath.Join(s.dir, mediaID+ext)
}

// Download fetches mediaID, decrypts it with key and writes it to dest.
// dest is only created once decryption succeeded.
func (s *Service) Download(ctx context.Context, mediaID string, key []byte, dest string) error {
	tmp, err := os.CreateTemp(s.dir, ".download-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if err := s.blobs.DownloadMedia(ctx, mediaID, tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("download %s: %w", mediaID, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := crypto.DecryptFile(key, name, dest); err != nil {
		return fmt.Errorf("decrypt %s: %w", mediaID, err)
	}
	s.logger.Debug("attachment downloaded", zap.String("media_id", mediaID), zap.String("dest", dest))
	return nil
}

// DownloadMessage fetches the attachment carried by m into the media
// directory and returns its path.
func (s *Service) DownloadMessage(ctx context.Context, m *store.Message) (string, error) {
	c, err := content.Decode(content.Type(m.ContentType), m.Data)
	if err != nil {
		return "", err
	}
	md := content.MediaOf(c)
	if md == nil {
		return "", fmt.Errorf("message %s carries no attachment", m.MessageID)
	}
	ext := filepath.Ext(md.FileName)
	if ext == "" {
		if mt := mimetype.Lookup(md.MIME); mt != nil {
			ext = mt.Extension()
		}
	}
	dest := s.Path(md.MediaID, ext)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	return dest, s.Download(ctx, md.MediaID, md.Key, dest)
}
