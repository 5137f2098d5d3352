package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/relay/relaytest"
	"github.com/matheus3301/port/internal/store"
)

type mockJournal struct {
	mu   sync.Mutex
	sent []content.Content
}

func (j *mockJournal) Journal(ctx context.Context, chatID string, c content.Content, replyID string) (*store.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sent = append(j.sent, c)
	data, err := content.Encode(c)
	if err != nil {
		return nil, err
	}
	return &store.Message{ChatID: chatID, MessageID: "m1", ContentType: string(c.Type()), Data: data}, nil
}

// blockingStore holds every upload until its context ends.
type blockingStore struct{}

func (blockingStore) UploadMedia(ctx context.Context, mediaID string, r io.Reader) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingStore) DownloadMedia(ctx context.Context, mediaID string, w io.Writer) error {
	return errors.New("not stored")
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSendImageRoundTrip(t *testing.T) {
	net := relaytest.New()
	j := &mockJournal{}
	s := New(net.Client("alice"), j, t.TempDir(), nil)
	path := writeFile(t, "pic.bin", pngHeader)

	m, err := s.SendFile(context.Background(), "chat-1", path, "look")
	if err != nil {
		t.Fatal(err)
	}
	if len(j.sent) != 1 {
		t.Fatalf("journaled %d messages, want 1", len(j.sent))
	}
	img, ok := j.sent[0].(content.Image)
	if !ok {
		t.Fatalf("content = %T, want content.Image", j.sent[0])
	}
	if img.MIME != "image/png" || img.Caption != "look" || img.Size != int64(len(pngHeader)) {
		t.Errorf("media = %+v", img.Media)
	}
	if _, err := os.Stat(s.Path(img.MediaID, ".png")); err != nil {
		t.Errorf("local copy missing: %v", err)
	}

	// Another device fetches it through the message.
	other := New(net.Client("bob"), j, t.TempDir(), nil)
	got, err := other.DownloadMessage(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, pngHeader) {
		t.Error("downloaded bytes differ from the original")
	}
}

func TestSendTextFileIsFile(t *testing.T) {
	net := relaytest.New()
	j := &mockJournal{}
	s := New(net.Client("alice"), j, t.TempDir(), nil)
	path := writeFile(t, "notes.txt", []byte("plain words\n"))

	if _, err := s.SendFile(context.Background(), "chat-1", path, ""); err != nil {
		t.Fatal(err)
	}
	f, ok := j.sent[0].(content.File)
	if !ok {
		t.Fatalf("content = %T, want content.File", j.sent[0])
	}
	if f.FileName != "notes.txt" {
		t.Errorf("file name = %q, want notes.txt", f.FileName)
	}
}

func TestSendFileRejectsOversize(t *testing.T) {
	s := New(relaytest.New().Client("alice"), &mockJournal{}, t.TempDir(), nil)
	path := filepath.Join(t.TempDir(), "big")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(MaxFileSize + 1); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	if _, err := s.SendFile(context.Background(), "chat-1", path, ""); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestCancelByPath(t *testing.T) {
	j := &mockJournal{}
	s := New(blockingStore{}, j, t.TempDir(), nil)
	path := writeFile(t, "slow.txt", []byte("slow"))

	errc := make(chan error, 1)
	go func() {
		_, err := s.SendFile(context.Background(), "chat-1", path, "")
		errc <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Uploading(path) {
		if time.Now().After(deadline) {
			t.Fatal("upload never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.SendFile(context.Background(), "chat-1", path, ""); !errors.Is(err, ErrInFlight) {
		t.Errorf("second send err = %v, want ErrInFlight", err)
	}
	if !s.Cancel(path) {
		t.Fatal("Cancel() = false, want true")
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrCanceled) {
			t.Errorf("err = %v, want ErrCanceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not stop")
	}
	if len(j.sent) != 0 {
		t.Error("canceled upload was journaled")
	}
	if s.Cancel(path) {
		t.Error("Cancel() after finish = true")
	}
}

func TestDownloadWrongKeyLeavesNoFile(t *testing.T) {
	net := relaytest.New()
	j := &mockJournal{}
	s := New(net.Client("alice"), j, t.TempDir(), nil)
	path := writeFile(t, "a.txt", []byte("secret"))
	if _, err := s.SendFile(context.Background(), "chat-1", path, ""); err != nil {
		t.Fatal(err)
	}
	md := content.MediaOf(j.sent[0])

	dest := filepath.Join(t.TempDir(), "out")
	wrong := make([]byte, len(md.Key))
	if err := s.Download(context.Background(), md.MediaID, wrong, dest); err == nil {
		t.Fatal("Download() with wrong key succeeded")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("dest exists after failed decrypt: %v", err)
	}
}
