package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/crypto"
	"github.com/matheus3301/port/internal/relay"
	"github.com/matheus3301/port/internal/store"
	"go.uber.org/zap"
)

// mockTransport records envelopes and returns configurable results.
type mockTransport struct {
	mu    sync.Mutex
	calls []relay.Envelope
	err   error
}

func (m *mockTransport) Send(_ context.Context, env relay.Envelope) (*relay.SendReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, env)
	if m.err != nil {
		return nil, m.err
	}
	return &relay.SendReceipt{Timestamp: time.Now().UnixMilli()}, nil
}

func (m *mockTransport) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newChat stores a chat with a fresh secret and returns the secret.
func newChat(t *testing.T, db *store.DB, chatID string, perms store.Permissions) []byte {
	t.Helper()
	secret, err := crypto.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	c := &store.Connection{ChatID: chatID, PairHash: "pair-" + chatID}
	if err := db.CreateConnection(c, perms, &store.CryptoIdentity{SharedSecret: secret}); err != nil {
		t.Fatal(err)
	}
	return secret
}

func TestSenderDeliversJournaledMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	tr := &mockTransport{}
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, tr, b, logger, time.Hour)
	secret := newChat(t, db, "chat-1", store.DefaultPermissions())

	ch, unsub := b.Subscribe(bus.MessageSent, 10)
	defer unsub()

	m, err := s.Journal(context.Background(), "chat-1", content.Text{Text: "hello"}, "")
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || tr.count() != 1 {
		t.Fatalf("sent %d, transport calls %d, want 1 and 1", n, tr.count())
	}

	plain, err := crypto.Open(secret, tr.calls[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	env, err := content.UnmarshalEnvelope(plain)
	if err != nil {
		t.Fatal(err)
	}
	c, err := env.Open()
	if err != nil {
		t.Fatal(err)
	}
	if txt, ok := c.(content.Text); !ok || txt.Text != "hello" {
		t.Errorf("content = %#v, want Text{hello}", c)
	}

	got, err := db.GetMessage("chat-1", m.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}

	select {
	case evt := <-ch:
		if ref := evt.Payload.(bus.MessageRef); ref.MessageID != m.MessageID {
			t.Errorf("event for %q, want %q", ref.MessageID, m.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.sent event")
	}
}

// A failed send leaves the row journaled; the retry produces exactly one
// sent row.
func TestSenderRetriesAfterFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	tr := &mockTransport{err: fmt.Errorf("network error")}
	s := NewSender(db, tr, b, nil, time.Hour)
	newChat(t, db, "chat-1", store.DefaultPermissions())

	ch, unsub := b.Subscribe(bus.MessageSendFailed, 10)
	defer unsub()

	m, err := s.Journal(context.Background(), "chat-1", content.Text{Text: "hello"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(context.Background()); err == nil {
		t.Fatal("Flush() error = nil, want transport failure")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.send_failed event")
	}
	got, _ := db.GetMessage("chat-1", m.MessageID)
	if got.Status != store.StatusJournaled {
		t.Fatalf("status after failure = %s, want journaled", got.Status)
	}

	tr.setErr(nil)
	n, err := s.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("retry sent %d, want 1", n)
	}
	got, _ = db.GetMessage("chat-1", m.MessageID)
	if got.Status != store.StatusSent {
		t.Errorf("status after retry = %s, want sent", got.Status)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = 'chat-1' AND message_id = ?`, m.MessageID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}

	// Nothing left to send.
	if n, _ := s.Flush(context.Background()); n != 0 {
		t.Errorf("third flush sent %d, want 0", n)
	}
	if tr.count() != 2 {
		t.Errorf("transport calls = %d, want 2", tr.count())
	}
}

func TestSenderStopsPassOnTransportFailure(t *testing.T) {
	db := testDB(t)
	tr := &mockTransport{err: errors.New("unreachable")}
	s := NewSender(db, tr, nil, nil, time.Hour)
	newChat(t, db, "chat-1", store.DefaultPermissions())

	for i := 0; i < 3; i++ {
		if _, err := s.Journal(context.Background(), "chat-1", content.Text{Text: "m"}, ""); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = s.Flush(context.Background())
	if tr.count() != 1 {
		t.Errorf("transport calls = %d, want 1", tr.count())
	}
}

func TestSenderContinuesPastRejection(t *testing.T) {
	db := testDB(t)
	tr := &mockTransport{err: &relay.StatusError{HTTPStatus: 404, Code: relay.CodeNotFound}}
	s := NewSender(db, tr, nil, nil, time.Hour)
	newChat(t, db, "chat-1", store.DefaultPermissions())

	for i := 0; i < 3; i++ {
		if _, err := s.Journal(context.Background(), "chat-1", content.Text{Text: "m"}, ""); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = s.Flush(context.Background())
	if tr.count() != 3 {
		t.Errorf("transport calls = %d, want 3", tr.count())
	}
}

func TestSenderContinuesPastLocalFailure(t *testing.T) {
	db := testDB(t)
	tr := &mockTransport{}
	s := NewSender(db, tr, nil, nil, time.Hour)
	broken := &store.Connection{ChatID: "no-secret", PairHash: "pair-no-secret"}
	if err := db.CreateConnection(broken, store.DefaultPermissions(), &store.CryptoIdentity{}); err != nil {
		t.Fatal(err)
	}
	newChat(t, db, "chat-1", store.DefaultPermissions())

	stuck, err := s.Journal(context.Background(), "no-secret", content.Text{Text: "first"}, "")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.Journal(context.Background(), "chat-1", content.Text{Text: "second"}, "")
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.Flush(context.Background())
	if err == nil {
		t.Error("Flush() error = nil, want the missing secret reported")
	}
	if n != 1 || tr.count() != 1 {
		t.Errorf("sent = %d, transport calls = %d, want 1 and 1", n, tr.count())
	}
	if got, _ := db.GetMessage("chat-1", ok.MessageID); got.Status != store.StatusSent {
		t.Errorf("chat-1 status = %s, want sent", got.Status)
	}
	if got, _ := db.GetMessage("no-secret", stuck.MessageID); got.Status != store.StatusJournaled {
		t.Errorf("no-secret status = %s, want journaled", got.Status)
	}
}

func TestSenderLoopDrainsOnKick(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	tr := &mockTransport{}
	s := NewSender(db, tr, b, nil, time.Hour)
	newChat(t, db, "chat-1", store.DefaultPermissions())

	ch, unsub := b.Subscribe(bus.MessageSent, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	if _, err := s.Journal(context.Background(), "chat-1", content.Text{Text: "hello"}, ""); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message.sent event")
	}
}

func TestJournalFixesExpiryFromChatTimeout(t *testing.T) {
	db := testDB(t)
	s := NewSender(db, &mockTransport{}, nil, nil, time.Hour)
	now := time.UnixMilli(1_000_000)
	s.now = func() time.Time { return now }

	perms := store.DefaultPermissions()
	perms.DisappearingMessages = 60
	newChat(t, db, "chat-1", perms)

	m, err := s.Journal(context.Background(), "chat-1", content.Text{Text: "bye"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if want := now.UnixMilli() + 60_000; m.ExpiresOn != want {
		t.Errorf("expires on = %d, want %d", m.ExpiresOn, want)
	}

	// Control messages never expire.
	r, err := s.Journal(context.Background(), "chat-1", content.Receipt{MessageIDs: []string{"x"}, Status: 2}, "")
	if err != nil {
		t.Fatal(err)
	}
	if r.ExpiresOn != 0 {
		t.Errorf("receipt expires on = %d, want 0", r.ExpiresOn)
	}
}

func TestInitialInfoAckAuthenticates(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	s := NewSender(db, &mockTransport{}, b, nil, time.Hour)
	newChat(t, db, "chat-1", store.DefaultPermissions())

	ch, unsub := b.Subscribe(bus.ConnectionAuthenticated, 10)
	defer unsub()

	if _, err := db.MarkInfoReceived("chat-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Journal(context.Background(), "chat-1", content.InitialInfo{Name: "alice"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn, err := db.GetConnection("chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if !conn.InfoSent || !conn.Authenticated {
		t.Errorf("info sent = %v authenticated = %v, want both true", conn.InfoSent, conn.Authenticated)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection.authenticated event")
	}
}

func TestEphemeralMessageDroppedAfterAck(t *testing.T) {
	db := testDB(t)
	s := NewSender(db, &mockTransport{}, nil, nil, time.Hour)
	newChat(t, db, "chat-1", store.DefaultPermissions())

	m, err := s.Journal(context.Background(), "chat-1", content.Reaction{MessageID: "x", Emoji: "+1"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage("chat-1", m.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("reaction still stored: %+v", got)
	}
}

func TestJournalRejectsDisconnectedChat(t *testing.T) {
	db := testDB(t)
	s := NewSender(db, &mockTransport{}, nil, nil, time.Hour)
	newChat(t, db, "chat-1", store.DefaultPermissions())
	if _, err := db.MarkDisconnected("chat-1"); err != nil {
		t.Fatal(err)
	}

	_, err := s.Journal(context.Background(), "chat-1", content.Text{Text: "hi"}, "")
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("err = %v, want ErrDisconnected", err)
	}
	_, err = s.Journal(context.Background(), "nope", content.Text{Text: "hi"}, "")
	if !errors.Is(err, ErrChatNotFound) {
		t.Errorf("err = %v, want ErrChatNotFound", err)
	}
}
