package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/port/internal/bundlemap"
	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/crypto"
	"github.com/matheus3301/port/internal/handshake"
	"github.com/matheus3301/port/internal/outbox"
	"github.com/matheus3301/port/internal/ports"
	"github.com/matheus3301/port/internal/relay"
	"github.com/matheus3301/port/internal/relay/relaytest"
	"github.com/matheus3301/port/internal/store"
)

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

type device struct {
	id       string
	db       *store.DB
	bus      *bus.Bus
	sender   *outbox.Sender
	mgr      *ports.Manager
	consumer *ports.Consumer
	hs       *handshake.Protocol
	engine   *Engine
}

func newDevice(t *testing.T, net *relaytest.Network, id string) *device {
	t.Helper()
	db := testDB(t)
	sk, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveProfile(&store.Profile{ClientID: id, Name: id, SigningPublic: sk.Public, SigningPrivate: sk.Private}); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	api := net.Client(id)
	sender := outbox.NewSender(db, api, b, nil, time.Hour)
	mgr := ports.NewManager(db, api, sender, b, nil, ports.Config{Host: "port.test"})
	hs := handshake.New(db, api, sender, mgr, id, b, nil)
	return &device{
		id:       id,
		db:       db,
		bus:      b,
		sender:   sender,
		mgr:      mgr,
		consumer: ports.NewConsumer(db, bundlemap.New(db), hs, b, nil),
		hs:       hs,
		engine:   NewEngine(db, api, hs, sender, b, nil),
	}
}

func (d *device) flush(t *testing.T) {
	t.Helper()
	if _, err := d.sender.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func (d *device) pull(t *testing.T) {
	t.Helper()
	if _, err := d.engine.Pull(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func (d *device) chat(t *testing.T, chatID string) *store.Connection {
	t.Helper()
	c, err := d.db.GetConnection(chatID)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatalf("%s has no chat %s", d.id, chatID)
	}
	return c
}

// connect runs the whole exchange: gen creates a port in folderID, reader
// consumes it, and both sides trade InitialInfo through the relay.
func connect(t *testing.T, gen, reader *device, folderID string) string {
	t.Helper()
	ctx := context.Background()
	p, err := gen.mgr.CreatePort(ctx, ports.CreateOptions{FolderID: folderID})
	if err != nil {
		t.Fatal(err)
	}
	conn, v, err := reader.consumer.ConsumePort(ctx, p.URL, "")
	if err != nil || v != nil {
		t.Fatalf("ConsumePort() verdict=%v err=%v", v, err)
	}
	reader.flush(t)
	gen.pull(t)
	gen.flush(t)
	reader.pull(t)

	for _, d := range []*device{gen, reader} {
		if c := d.chat(t, conn.ChatID); !c.Authenticated {
			t.Fatalf("%s: chat not authenticated: %+v", d.id, c)
		}
	}
	return conn.ChatID
}

func TestExchangeAuthenticatesBothSides(t *testing.T) {
	net := relaytest.New()
	alice := newDevice(t, net, "alice")
	bob := newDevice(t, net, "bob")

	chatID := connect(t, alice, bob, "")

	if got := alice.chat(t, chatID).Name; got != "bob" {
		t.Errorf("alice names chat %q, want bob", got)
	}
	if got := alice.chat(t, chatID).PairHash; got != bob.chat(t, chatID).PairHash {
		t.Errorf("pair hashes differ: %s vs %s", got, bob.chat(t, chatID).PairHash)
	}
	for _, d := range []*device{alice, bob} {
		cp, err := d.db.GetContactPort(d.chat(t, chatID).PairHash, store.OwnerPeer)
		if err != nil {
			t.Fatal(err)
		}
		if cp == nil {
			t.Errorf("%s did not store the peer contact port", d.id)
		}
	}
	if n := net.Uses(alice.chat(t, chatID).BundleID); n != 1 {
		t.Errorf("relay uses = %d, want 1", n)
	}
}

func TestMessageDeliveredAndReceipted(t *testing.T) {
	net := relaytest.New()
	alice := newDevice(t, net, "alice")
	bob := newDevice(t, net, "bob")
	chatID := connect(t, alice, bob, "")
	ctx := context.Background()

	received, unsub := alice.bus.Subscribe(bus.MessageReceived, 10)
	defer unsub()

	m, err := bob.sender.Journal(ctx, chatID, content.Text{Text: "hello"}, "")
	if err != nil {
		t.Fatal(err)
	}
	bob.flush(t)
	alice.pull(t)

	got, err := alice.db.GetMessage(chatID, m.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Sender {
		t.Fatalf("alice message = %+v, want inbound copy", got)
	}
	c, err := content.Decode(content.Type(got.ContentType), got.Data)
	if err != nil {
		t.Fatal(err)
	}
	if text, ok := c.(content.Text); !ok || text.Text != "hello" {
		t.Errorf("content = %#v, want hello", c)
	}
	select {
	case evt := <-received:
		ref, _ := evt.Payload.(bus.MessageRef)
		if ref.MessageID != m.MessageID {
			t.Errorf("event ref = %+v, want %s", ref, m.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.received")
	}

	// The delivery receipt travels back and advances bob's copy.
	alice.flush(t)
	bob.pull(t)
	mine, err := bob.db.GetMessage(chatID, m.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if mine.Status != store.StatusDelivered {
		t.Errorf("bob status = %s, want delivered", mine.Status)
	}

	// Reading it sends a read receipt while the permission is on.
	ids, err := alice.engine.MarkRead(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("marked %d read, want 1", len(ids))
	}
	alice.flush(t)
	bob.pull(t)
	mine, _ = bob.db.GetMessage(chatID, m.MessageID)
	if mine.Status != store.StatusRead {
		t.Errorf("bob status = %s, want read", mine.Status)
	}
}

func TestMarkReadWithoutReceiptPermission(t *testing.T) {
	net := relaytest.New()
	alice := newDevice(t, net, "alice")
	bob := newDevice(t, net, "bob")
	chatID := connect(t, alice, bob, "")
	ctx := context.Background()

	perms, err := alice.db.ChatPermissions(chatID)
	if err != nil {
		t.Fatal(err)
	}
	perms.ReadReceipts = false
	if err := alice.db.UpdatePermissions(*perms); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.sender.Journal(ctx, chatID, content.Text{Text: "hi"}, ""); err != nil {
		t.Fatal(err)
	}
	bob.flush(t)
	alice.pull(t)
	alice.flush(t) // delivery receipt

	if _, err := alice.engine.MarkRead(ctx, chatID); err != nil {
		t.Fatal(err)
	}
	pending, err := alice.db.PendingSends(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("journaled %d messages, want no read receipt", len(pending))
	}
	if c := alice.chat(t, chatID); c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
}

// Losing the cursor replays every item; nothing changes the second time.
func TestReprocessingIsIdempotent(t *testing.T) {
	net := relaytest.New()
	alice := newDevice(t, net, "alice")
	bob := newDevice(t, net, "bob")
	chatID := connect(t, alice, bob, "")
	ctx := context.Background()

	m, err := bob.sender.Journal(ctx, chatID, content.Text{Text: "once"}, "")
	if err != nil {
		t.Fatal(err)
	}
	bob.flush(t)
	alice.pull(t)
	alice.flush(t)

	if err := alice.db.SetCheckpoint(CheckpointInbox, ""); err != nil {
		t.Fatal(err)
	}
	alice.pull(t)

	var n int
	if err := alice.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ? AND message_id = ?`,
		chatID, m.MessageID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("message stored %d times, want 1", n)
	}
	c := alice.chat(t, chatID)
	if c.UnreadCount != 1 || !c.Authenticated {
		t.Errorf("chat = %+v, want 1 unread and authenticated", c)
	}
	pending, err := alice.db.PendingSends(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("replay journaled %d messages, want 0", len(pending))
	}
	left, err := alice.db.ListUnprocessed(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("%d items left in the buffer", len(left))
	}
}

// The generator's folder sets a timeout; the reader adopts it from
// InitialInfo, stamps its message, and both sides sweep it.
func TestDisappearingTimeoutScenario(t *testing.T) {
	net := relaytest.New()
	alice := newDevice(t, net, "alice")
	bob := newDevice(t, net, "bob")
	ctx := context.Background()

	perms := store.DefaultPermissions()
	perms.DisappearingMessages = 60
	f, err := alice.db.AddFolder("Ephemeral", perms)
	if err != nil {
		t.Fatal(err)
	}
	chatID := connect(t, alice, bob, f.ID)

	got, err := bob.db.ChatPermissions(chatID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DisappearingMessages != 60 {
		t.Fatalf("bob timeout = %d, want 60", got.DisappearingMessages)
	}

	before := time.Now().UnixMilli()
	m, err := bob.sender.Journal(ctx, chatID, content.Text{Text: "gone soon"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if m.ExpiresOn < before+60_000 {
		t.Fatalf("expiresOn = %d, want at least %d", m.ExpiresOn, before+60_000)
	}
	bob.flush(t)
	alice.pull(t)

	in, err := alice.db.GetMessage(chatID, m.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if in == nil || in.ExpiresOn != m.ExpiresOn {
		t.Fatalf("alice copy = %+v, want expiresOn %d", in, m.ExpiresOn)
	}

	// Not yet due.
	if n, err := alice.engine.SweepExpired(); err != nil || n != 0 {
		t.Fatalf("early sweep removed %d (err %v), want 0", n, err)
	}
	later := time.UnixMilli(m.ExpiresOn).Add(time.Second)
	for _, d := range []*device{alice, bob} {
		d.engine.now = func() time.Time { return later }
		n, err := d.engine.SweepExpired()
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("%s swept %d, want 1", d.id, n)
		}
		if left, _ := d.db.GetMessage(chatID, m.MessageID); left != nil {
			t.Errorf("%s still has the message", d.id)
		}
	}
}

func TestControlMessagesApplyState(t *testing.T) {
	net := relaytest.New()
	alice := newDevice(t, net, "alice")
	bob := newDevice(t, net, "bob")
	chatID := connect(t, alice, bob, "")
	ctx := context.Background()

	m, err := alice.sender.Journal(ctx, chatID, content.Text{Text: "react to me"}, "")
	if err != nil {
		t.Fatal(err)
	}
	alice.flush(t)
	bob.pull(t)

	steps := []content.Content{
		content.Reaction{MessageID: m.MessageID, Emoji: "👍"},
		content.Name{Name: "Robert"},
		content.ContactPortPause{},
	}
	for _, c := range steps {
		if _, err := bob.sender.Journal(ctx, chatID, c, ""); err != nil {
			t.Fatal(err)
		}
	}
	bob.flush(t)
	alice.pull(t)

	rs, err := alice.db.ListReactions(chatID, m.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 1 || rs[0].Emoji != "👍" || rs[0].SenderID != "bob" {
		t.Errorf("reactions = %+v, want bob's thumbs up", rs)
	}
	c := alice.chat(t, chatID)
	if c.Name != "Robert" {
		t.Errorf("name = %q, want Robert", c.Name)
	}
	cp, err := alice.db.GetContactPort(c.PairHash, store.OwnerPeer)
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil || !cp.Paused {
		t.Errorf("peer contact port = %+v, want paused", cp)
	}

	// Bob may not delete alice's message; he may delete his own.
	own, err := bob.sender.Journal(ctx, chatID, content.Text{Text: "oops"}, "")
	if err != nil {
		t.Fatal(err)
	}
	bob.flush(t)
	alice.pull(t)
	for _, id := range []string{m.MessageID, own.MessageID} {
		if _, err := bob.sender.Journal(ctx, chatID, content.Deletion{MessageID: id}, ""); err != nil {
			t.Fatal(err)
		}
	}
	bob.flush(t)
	alice.pull(t)
	if kept, _ := alice.db.GetMessage(chatID, m.MessageID); kept == nil {
		t.Error("peer deleted our message")
	}
	if gone, _ := alice.db.GetMessage(chatID, own.MessageID); gone != nil {
		t.Error("peer deletion not applied")
	}

	// Disconnect ends the chat on both sides.
	if err := bob.hs.Disconnect(ctx, chatID); err != nil {
		t.Fatal(err)
	}
	bob.flush(t)
	alice.pull(t)
	if !alice.chat(t, chatID).Disconnected {
		t.Error("alice chat not disconnected")
	}
}

func TestProcessBufferedKeepsUnappliedItem(t *testing.T) {
	net := relaytest.New()
	alice := newDevice(t, net, "alice")

	if _, err := alice.db.BufferInbound(&store.Unprocessed{
		ServerID: "1",
		Kind:     relay.KindMessage,
		ChatID:   "chat-unknown",
		Payload:  []byte("sealed"),
	}); err != nil {
		t.Fatal(err)
	}
	applied, err := alice.engine.ProcessBuffered(context.Background())
	if err == nil {
		t.Fatal("ProcessBuffered() error = nil, want unknown chat")
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0", applied)
	}
	left, err := alice.db.ListUnprocessed(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Attempts != 1 || left[0].LastError == "" {
		t.Errorf("buffer = %+v, want one item with 1 attempt", left)
	}
}

func TestProcessBufferedKeepsUndecodable(t *testing.T) {
	net := relaytest.New()
	alice := newDevice(t, net, "alice")
	bob := newDevice(t, net, "bob")
	chatID := connect(t, alice, bob, "")

	items := []*store.Unprocessed{
		{ServerID: "x1", Kind: relay.KindMessage, ChatID: chatID, Payload: []byte("not sealed")},
		{ServerID: "x2", Kind: relay.KindNewChat, ChatID: "chat-x", BundleID: "nope", SenderID: "mallory", Payload: []byte{0xff}},
	}
	for _, u := range items {
		if _, err := alice.db.BufferInbound(u); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := alice.engine.ProcessBuffered(context.Background()); err != nil {
		t.Fatal(err)
	}
	left, err := alice.db.ListUnprocessed(0)
	if err != nil {
		t.Fatal(err)
	}
	// The rejected intro is settled; the undecodable message is kept.
	if len(left) != 1 || left[0].ServerID != "x1" {
		t.Fatalf("buffer = %+v, want only x1", left)
	}
	if left[0].Attempts != 1 || left[0].LastError == "" {
		t.Errorf("x1 = %+v, want 1 attempt with an error", left[0])
	}
	if left[0].NextAttemptAt <= time.Now().UnixMilli() {
		t.Errorf("next attempt = %d, want it held back", left[0].NextAttemptAt)
	}

	// Held back items are not retried on the next pass.
	if _, err := alice.engine.ProcessBuffered(context.Background()); err != nil {
		t.Fatal(err)
	}
	left, _ = alice.db.ListUnprocessed(0)
	if len(left) != 1 || left[0].Attempts != 1 {
		t.Errorf("buffer = %+v, want x1 untouched", left)
	}
}

func TestProcessBufferedNeverDropsFailingItem(t *testing.T) {
	net := relaytest.New()
	alice := newDevice(t, net, "alice")

	if _, err := alice.db.BufferInbound(&store.Unprocessed{
		ServerID: "1",
		Kind:     relay.KindMessage,
		ChatID:   "chat-later",
		Payload:  []byte("sealed"),
	}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for pass := 0; pass < maxAttempts; pass++ {
		alice.engine.now = func() time.Time { return now }
		if _, err := alice.engine.ProcessBuffered(context.Background()); err == nil {
			t.Fatalf("pass %d: ProcessBuffered() error = nil, want unknown chat", pass)
		}
		now = now.Add(maxRetryDelay)
	}
	left, err := alice.db.ListUnprocessed(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 {
		t.Fatalf("%d items left after %d passes, want 1", len(left), maxAttempts)
	}
	if left[0].Attempts != maxAttempts {
		t.Errorf("attempts = %d, want %d", left[0].Attempts, maxAttempts)
	}
	// The last pass held the item back by the full delay.
	if want := now.UnixMilli(); left[0].NextAttemptAt != want {
		t.Errorf("next attempt = %d, want %d", left[0].NextAttemptAt, want)
	}
}

func TestRetryDelayBacksOff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{13, maxRetryDelay},
		{60, maxRetryDelay},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.attempts); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

// sealed buffers c as a relay item from senderID in chatID.
func sealed(t *testing.T, d *device, secret []byte, chatID, senderID, messageID string, ts int64, c content.Content) {
	t.Helper()
	data, err := content.Encode(c)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := content.MarshalEnvelope(&content.Envelope{MessageID: messageID, Type: c.Type(), Data: data, Timestamp: ts})
	if err != nil {
		t.Fatal(err)
	}
	payload, err := crypto.Seal(secret, plain)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.db.BufferInbound(&store.Unprocessed{
		ServerID:   chatID + "/" + messageID,
		Kind:       relay.KindMessage,
		ChatID:     chatID,
		SenderID:   senderID,
		Payload:    payload,
		ReceivedAt: ts,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestGroupMessagesBuildRoster(t *testing.T) {
	net := relaytest.New()
	alice := newDevice(t, net, "alice")
	secret, err := crypto.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	g := &store.Connection{ChatID: "book-club", Type: store.Group, PairHash: "pair-book-club", Authenticated: true}
	if err := alice.db.CreateConnection(g, store.DefaultPermissions(), &store.CryptoIdentity{SharedSecret: secret}); err != nil {
		t.Fatal(err)
	}

	sealed(t, alice, secret, g.ChatID, "carol", "m1", 100, content.Text{Text: "hi all"})
	sealed(t, alice, secret, g.ChatID, "dave", "m2", 200, content.Text{Text: "hello"})
	sealed(t, alice, secret, g.ChatID, "carol", "m3", 300, content.Name{Name: "Carol"})
	if _, err := alice.engine.ProcessBuffered(context.Background()); err != nil {
		t.Fatal(err)
	}

	members, err := alice.db.ListGroupMembers(g.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %+v, want carol and dave", members)
	}
	if members[0].MemberID != "carol" || members[0].Name != "Carol" || members[0].JoinedAt != 100 {
		t.Errorf("first member = %+v, want Carol joined at 100", members[0])
	}
	if members[1].MemberID != "dave" || members[1].JoinedAt != 200 {
		t.Errorf("second member = %+v, want dave joined at 200", members[1])
	}
	m, err := alice.db.GetMessage(g.ChatID, "m2")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.SenderID != "dave" {
		t.Errorf("m2 = %+v, want sender dave", m)
	}
}
