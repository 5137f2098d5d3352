package store

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newConn(t *testing.T, db *DB, chatID, pairHash string, typ ConnectionType) *Connection {
	t.Helper()
	c := &Connection{ChatID: chatID, Type: typ, PairHash: pairHash, Name: chatID}
	if err := db.CreateConnection(c, DefaultPermissions(), &CryptoIdentity{SharedSecret: []byte("secret")}); err != nil {
		t.Fatal(err)
	}
	return c
}

func newPort(t *testing.T, db *DB, bundleID string, limit int, expiry int64) *Port {
	t.Helper()
	p := &Port{
		BundleID:        bundleID,
		Kind:            KindPort,
		Target:          Direct,
		ConnectionLimit: limit,
		CreatedAt:       time.Now().UnixMilli(),
		ExpiryTimestamp: expiry,
		Rad:             "rad",
	}
	if err := db.CreatePort(p, DefaultPermissions(), &CryptoIdentity{PublicKey: []byte("pk")}); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAddFolderCreatesPermissionsTemplate(t *testing.T) {
	db := testDB(t)
	perms := DefaultPermissions()
	perms.Focus = true

	f, err := db.AddFolder("Work", perms)
	if err != nil {
		t.Fatal(err)
	}
	p, err := db.GetPermissions(f.PermissionsID)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || !p.Focus {
		t.Fatalf("template = %+v, want focus set", p)
	}

	folders, err := db.ListFolders()
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != 2 || folders[0].ID != DefaultFolderID {
		t.Errorf("folders = %+v, want default then Work", folders)
	}
}

func TestDeleteFolderMovesConnections(t *testing.T) {
	db := testDB(t)
	f, err := db.AddFolder("Work", DefaultPermissions())
	if err != nil {
		t.Fatal(err)
	}
	c := newConn(t, db, "chat-1", "pair-1", Direct)
	if err := db.MoveConnection(c.ChatID, f.ID); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteFolder(f.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetConnection(c.ChatID)
	if got.FolderID != DefaultFolderID {
		t.Errorf("folder = %q, want default", got.FolderID)
	}
	if p, _ := db.GetPermissions(f.PermissionsID); p != nil {
		t.Error("folder template survived deletion")
	}
	if err := db.DeleteFolder(DefaultFolderID); !errors.Is(err, ErrDefaultFolder) {
		t.Errorf("delete default: err = %v, want ErrDefaultFolder", err)
	}
}

func TestApplyFolderPermissionsCascades(t *testing.T) {
	db := testDB(t)
	work, err := db.AddFolder("Work", DefaultPermissions())
	if err != nil {
		t.Fatal(err)
	}
	inside := []*Connection{
		newConn(t, db, "chat-1", "pair-1", Direct),
		newConn(t, db, "chat-2", "pair-2", Direct),
	}
	outside := newConn(t, db, "chat-3", "pair-3", Direct)
	for _, c := range inside {
		if err := db.MoveConnection(c.ChatID, work.ID); err != nil {
			t.Fatal(err)
		}
	}

	// chat-2 already runs the folder's timeout.
	p2, err := db.ChatPermissions("chat-2")
	if err != nil {
		t.Fatal(err)
	}
	p2.DisappearingMessages = 60
	if err := db.UpdatePermissions(*p2); err != nil {
		t.Fatal(err)
	}

	muted := DefaultPermissions()
	muted.Notifications = false
	muted.DisappearingMessages = 60
	if err := db.UpdateFolderPermissions(work.ID, muted); err != nil {
		t.Fatal(err)
	}
	applied, err := db.ApplyFolderPermissions(work.ID)
	if err != nil {
		t.Fatal(err)
	}
	if applied.Updated != 2 {
		t.Errorf("updated = %d, want 2", applied.Updated)
	}
	if applied.Timeout != 60 || len(applied.TimeoutChanged) != 1 || applied.TimeoutChanged[0] != "chat-1" {
		t.Errorf("timeout changes = %d %v, want 60 [chat-1]", applied.Timeout, applied.TimeoutChanged)
	}

	for _, c := range inside {
		p, err := db.ChatPermissions(c.ChatID)
		if err != nil {
			t.Fatal(err)
		}
		if p.Notifications {
			t.Errorf("%s notifications still on", c.ChatID)
		}
	}
	p, err := db.ChatPermissions(outside.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Notifications {
		t.Error("connection outside the folder was changed")
	}
}

func TestCreateConnectionRejectsDuplicatePairHash(t *testing.T) {
	db := testDB(t)
	newConn(t, db, "chat-1", "pair-1", Direct)

	err := db.CreateConnection(&Connection{ChatID: "chat-2", PairHash: "pair-1"}, DefaultPermissions(), &CryptoIdentity{})
	if !errors.Is(err, ErrPairHashExists) {
		t.Fatalf("err = %v, want ErrPairHashExists", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM permissions`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	// default folder + default preset + chat-1
	if n != 3 {
		t.Errorf("permissions rows = %d, want 3 (no orphan)", n)
	}
}

func TestAuthenticatedRequiresBothInfoFlags(t *testing.T) {
	db := testDB(t)
	c := newConn(t, db, "chat-1", "pair-1", Direct)

	got, err := db.MarkInfoSent(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Authenticated {
		t.Fatal("authenticated after only info_sent")
	}
	// Repeating the same half must not flip it either.
	if got, _ = db.MarkInfoSent(c.ChatID); got.Authenticated {
		t.Fatal("authenticated after info_sent twice")
	}

	got, err = db.MarkInfoReceived(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Authenticated {
		t.Error("not authenticated after both flags")
	}
}

func TestDisconnectedNeverAuthenticates(t *testing.T) {
	db := testDB(t)
	c := newConn(t, db, "chat-1", "pair-1", Direct)
	if _, err := db.MarkDisconnected(c.ChatID); err != nil {
		t.Fatal(err)
	}
	_, _ = db.MarkInfoSent(c.ChatID)
	got, _ := db.MarkInfoReceived(c.ChatID)
	if got.Authenticated {
		t.Error("disconnected chat became authenticated")
	}
}

func TestRecordPortUseNeverExceedsLimit(t *testing.T) {
	db := testDB(t)
	p := newPort(t, db, "bundle-1", 3, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, exhausted := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.RecordPortUse(p.BundleID, time.Now().UnixMilli())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrPortExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 3 || exhausted != 17 {
		t.Errorf("ok = %d exhausted = %d, want 3 and 17", ok, exhausted)
	}
	got, _ := db.GetPort(p.BundleID)
	if got.UsesConsumed != 3 {
		t.Errorf("uses = %d, want 3", got.UsesConsumed)
	}
}

func TestRecordPortUseVerdicts(t *testing.T) {
	db := testDB(t)
	now := time.Now().UnixMilli()

	newPort(t, db, "paused", 1, 0)
	if _, err := db.SetPortPaused("paused", true); err != nil {
		t.Fatal(err)
	}
	newPort(t, db, "expired", 1, now-1000)
	// Exhausted and expired: exhaustion wins.
	both := newPort(t, db, "both", 1, now+50)
	if err := db.RecordPortUse(both.BundleID, now); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		bundleID string
		now      int64
		want     error
	}{
		{"missing", now, ErrNotFound},
		{"paused", now, ErrPortPaused},
		{"expired", now, ErrPortExpired},
		{"both", now + 1000, ErrPortExhausted},
	}
	for _, tt := range tests {
		if err := db.RecordPortUse(tt.bundleID, tt.now); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.bundleID, err, tt.want)
		}
	}
}

func TestUnlimitedPortAcceptsManyUses(t *testing.T) {
	db := testDB(t)
	p := newPort(t, db, "super", 0, 0)
	for i := 0; i < 5; i++ {
		if err := db.RecordPortUse(p.BundleID, time.Now().UnixMilli()); err != nil {
			t.Fatalf("use %d: %v", i, err)
		}
	}
}

func TestAcceptConnectionIsSingleShotPerChat(t *testing.T) {
	db := testDB(t)
	p := newPort(t, db, "bundle-1", 2, 0)
	now := time.Now().UnixMilli()

	c := &Connection{ChatID: "chat-1", PairHash: "pair-1"}
	if err := db.AcceptConnection(p.BundleID, now, c, DefaultPermissions(), &CryptoIdentity{}); err != nil {
		t.Fatal(err)
	}
	again := &Connection{ChatID: "chat-1", PairHash: "pair-1"}
	err := db.AcceptConnection(p.BundleID, now, again, DefaultPermissions(), &CryptoIdentity{})
	if !errors.Is(err, ErrConnectionExists) {
		t.Fatalf("err = %v, want ErrConnectionExists", err)
	}
	got, _ := db.GetPort(p.BundleID)
	if got.UsesConsumed != 1 {
		t.Errorf("uses = %d, want 1", got.UsesConsumed)
	}
}

func TestCleanUpPortsRemovesExpiredAndExhausted(t *testing.T) {
	db := testDB(t)
	now := time.Now().UnixMilli()
	newPort(t, db, "live", 1, 0)
	newPort(t, db, "expired", 1, now-1)
	used := newPort(t, db, "used", 1, 0)
	if err := db.RecordPortUse(used.BundleID, now); err != nil {
		t.Fatal(err)
	}

	removed, err := db.CleanUpPorts(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Errorf("removed = %v, want expired and used", removed)
	}
	ports, _ := db.ListPorts()
	if len(ports) != 1 || ports[0].BundleID != "live" {
		t.Errorf("ports = %+v, want only live", ports)
	}
	if ci, _ := db.GetCrypto(used.CryptoID); ci != nil {
		t.Error("crypto row of removed port survived")
	}
}

func TestInsertInboundIsIdempotent(t *testing.T) {
	db := testDB(t)
	c := newConn(t, db, "chat-1", "pair-1", Direct)
	m := &Message{ChatID: c.ChatID, MessageID: "m1", ContentType: "text", Timestamp: 10, Status: StatusDelivered}

	for i := 0; i < 3; i++ {
		inserted, err := db.InsertInbound(m)
		if err != nil {
			t.Fatal(err)
		}
		if inserted != (i == 0) {
			t.Errorf("attempt %d: inserted = %v", i, inserted)
		}
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ? AND message_id = 'm1'`, c.ChatID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
	got, _ := db.GetConnection(c.ChatID)
	if got.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", got.UnreadCount)
	}
}

func TestJournalThenMarkSent(t *testing.T) {
	db := testDB(t)
	c := newConn(t, db, "chat-1", "pair-1", Direct)
	m := &Message{ChatID: c.ChatID, MessageID: "m1", ContentType: "text", Timestamp: 10}
	if err := db.JournalMessage(m); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingSends(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].MessageID != "m1" {
		t.Fatalf("pending = %+v", pending)
	}

	ok, err := db.MarkSent(c.ChatID, "m1")
	if err != nil || !ok {
		t.Fatalf("MarkSent = %v, %v", ok, err)
	}
	if ok, _ := db.MarkSent(c.ChatID, "m1"); ok {
		t.Error("second MarkSent changed a row")
	}
	if pending, _ := db.PendingSends(10); len(pending) != 0 {
		t.Errorf("pending after send = %d, want 0", len(pending))
	}

	got, _ := db.GetConnection(c.ChatID)
	if got.LatestMessageID != "m1" {
		t.Errorf("latest = %q, want m1", got.LatestMessageID)
	}
}

func TestJournalRejectsReplyOutsideChat(t *testing.T) {
	db := testDB(t)
	a := newConn(t, db, "chat-a", "pair-a", Direct)
	b := newConn(t, db, "chat-b", "pair-b", Direct)
	if err := db.JournalMessage(&Message{ChatID: a.ChatID, MessageID: "m1", ContentType: "text", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	err := db.JournalMessage(&Message{ChatID: b.ChatID, MessageID: "m2", ContentType: "text", Timestamp: 2, ReplyID: "m1"})
	if !errors.Is(err, ErrReplyNotFound) {
		t.Fatalf("err = %v, want ErrReplyNotFound", err)
	}
	if err := db.JournalMessage(&Message{ChatID: a.ChatID, MessageID: "m3", ContentType: "text", Timestamp: 3, ReplyID: "m1"}); err != nil {
		t.Fatalf("reply in same chat: %v", err)
	}
}

func TestAdvanceStatusIsMonotonic(t *testing.T) {
	db := testDB(t)
	c := newConn(t, db, "chat-1", "pair-1", Direct)
	if err := db.JournalMessage(&Message{ChatID: c.ChatID, MessageID: "m1", ContentType: "text", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkSent(c.ChatID, "m1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AdvanceStatus(c.ChatID, []string{"m1"}, StatusRead); err != nil {
		t.Fatal(err)
	}
	n, err := db.AdvanceStatus(c.ChatID, []string{"m1"}, StatusDelivered)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("late delivered receipt changed %d rows", n)
	}
	m, _ := db.GetMessage(c.ChatID, "m1")
	if m.Status != StatusRead {
		t.Errorf("status = %s, want read", m.Status)
	}
}

func TestMessagesSinceOrdersByTimestamp(t *testing.T) {
	db := testDB(t)
	c := newConn(t, db, "chat-1", "pair-1", Direct)
	for i, ts := range []int64{30, 10, 20} {
		m := &Message{ChatID: c.ChatID, MessageID: string(rune('a' + i)), ContentType: "text", Timestamp: ts}
		if _, err := db.InsertInbound(m); err != nil {
			t.Fatal(err)
		}
	}
	msgs, _, err := db.MessagesSince(c.ChatID, Cursor{Timestamp: 10}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Timestamp != 20 || msgs[1].Timestamp != 30 {
		t.Errorf("messages = %+v, want timestamps 20, 30", msgs)
	}
}

func TestMessagesSincePagesThroughSharedTimestamp(t *testing.T) {
	db := testDB(t)
	c := newConn(t, db, "chat-1", "pair-1", Direct)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := db.InsertInbound(&Message{ChatID: c.ChatID, MessageID: id, ContentType: "text", Timestamp: 1000}); err != nil {
			t.Fatal(err)
		}
	}

	var (
		got    []string
		cursor Cursor
	)
	for page := 0; page < 4; page++ {
		msgs, next, err := db.MessagesSince(c.ChatID, cursor, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 0 {
			if next != cursor {
				t.Errorf("empty page moved cursor from %+v to %+v", cursor, next)
			}
			break
		}
		got = append(got, msgs[0].MessageID)
		cursor = next
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("paged ids = %v, want [a b c]", got)
	}
}

func TestSweepExpiredScopesByTable(t *testing.T) {
	db := testDB(t)
	d := newConn(t, db, "direct", "pair-d", Direct)
	g := newConn(t, db, "group", "pair-g", Group)
	for _, c := range []*Connection{d, g} {
		if err := db.JournalMessage(&Message{ChatID: c.ChatID, MessageID: "old", ContentType: "text", Timestamp: 1, ExpiresOn: 100}); err != nil {
			t.Fatal(err)
		}
		if err := db.JournalMessage(&Message{ChatID: c.ChatID, MessageID: "keep", ContentType: "text", Timestamp: 2}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.SweepExpired(200)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("direct sweep removed %d, want 1", n)
	}
	if m, _ := db.GetMessage(g.ChatID, "old"); m == nil {
		t.Fatal("direct sweep touched group messages")
	}
	if n, _ := db.SweepExpiredGroup(200); n != 1 {
		t.Errorf("group sweep removed %d, want 1", n)
	}
	if m, _ := db.GetMessage(d.ChatID, "keep"); m == nil {
		t.Error("message without expiry was swept")
	}
}

func TestMarkChatReadResetsUnread(t *testing.T) {
	db := testDB(t)
	c := newConn(t, db, "chat-1", "pair-1", Direct)
	for _, id := range []string{"a", "b"} {
		if _, err := db.InsertInbound(&Message{ChatID: c.ChatID, MessageID: id, ContentType: "text", Timestamp: 1, Status: StatusDelivered}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := db.MarkChatRead(c.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("read ids = %v, want 2", ids)
	}
	if total, _ := db.UnreadTotal(); total != 0 {
		t.Errorf("unread total = %d, want 0", total)
	}
}

func TestReactionOverwritesPerSender(t *testing.T) {
	db := testDB(t)
	for i, emoji := range []string{"👍", "🎉"} {
		if err := db.UpsertReaction(&Reaction{ChatID: "c", MessageID: "m", SenderID: "s", Emoji: emoji, Timestamp: int64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := db.ListReactions("c", "m")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Emoji != "🎉" {
		t.Errorf("reactions = %+v, want one 🎉", list)
	}
}

func TestBufferInboundIgnoresDuplicates(t *testing.T) {
	db := testDB(t)
	u := &Unprocessed{ServerID: "s1", Kind: "message", ChatID: "c", ReceivedAt: 1}
	if ok, err := db.BufferInbound(u); err != nil || !ok {
		t.Fatalf("first buffer = %v, %v", ok, err)
	}
	if ok, _ := db.BufferInbound(u); ok {
		t.Error("duplicate server id buffered twice")
	}
	list, _ := db.ListUnprocessed(0)
	if err := db.FailUnprocessed(list[0].ID, "boom", 500); err != nil {
		t.Fatal(err)
	}
	list, _ = db.ListUnprocessed(0)
	if list[0].Attempts != 1 || list[0].LastError != "boom" || list[0].NextAttemptAt != 500 {
		t.Errorf("entry = %+v", list[0])
	}
	if due, _ := db.DueUnprocessed(499, 0); len(due) != 0 {
		t.Errorf("due before retry time = %d items, want 0", len(due))
	}
	if due, _ := db.DueUnprocessed(500, 0); len(due) != 1 {
		t.Errorf("due at retry time = %d items, want 1", len(due))
	}
}

func TestSnapshotRestoreIntoEmptyStore(t *testing.T) {
	src := testDB(t)
	newConn(t, src, "chat-1", "pair-1", Direct)
	if err := src.SaveProfile(&Profile{ClientID: "me", SigningPublic: []byte{1}, SigningPrivate: []byte{2}}); err != nil {
		t.Fatal(err)
	}
	snap, err := src.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	dst := testDB(t)
	if err := dst.Restore(snap); err != nil {
		t.Fatal(err)
	}
	c, err := dst.GetConnection("chat-1")
	if err != nil || c == nil {
		t.Fatalf("restored connection = %v, %v", c, err)
	}
	ci, _ := dst.GetCrypto(c.CryptoID)
	if ci == nil || string(ci.SharedSecret) != "secret" {
		t.Errorf("restored crypto = %+v", ci)
	}
	if p, _ := dst.GetProfile(); p == nil || p.ClientID != "me" {
		t.Errorf("restored profile = %+v", p)
	}
}

func TestPurgeReseedsDefaults(t *testing.T) {
	db := testDB(t)
	newConn(t, db, "chat-1", "pair-1", Direct)
	if err := db.Purge(); err != nil {
		t.Fatal(err)
	}
	conns, _ := db.ListConnections()
	if len(conns) != 0 {
		t.Errorf("connections = %d after purge", len(conns))
	}
	if f, _ := db.GetFolder(DefaultFolderID); f == nil {
		t.Error("default folder missing after purge")
	}
	presets, err := db.ListPresets()
	if err != nil {
		t.Fatal(err)
	}
	if len(presets) != 1 || !presets[0].IsDefault {
		t.Errorf("presets after purge = %+v, want only the default", presets)
	}
}

func TestReadPortAttemptsCountRetriesOnly(t *testing.T) {
	db := testDB(t)
	rp := &ReadPort{BundleID: "b1", URL: "port://b1", LastError: "offline", CreatedAt: 1}
	for i := 0; i < 2; i++ {
		if err := db.SaveReadPort(rp); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.BumpReadPort("b1", "still offline"); err != nil {
		t.Fatal(err)
	}
	list, err := db.ListReadPorts()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Attempts != 1 || list[0].LastError != "still offline" {
		t.Errorf("read ports = %+v, want one with 1 attempt and the retry error", list)
	}
}

func TestDefaultPresetIsSeeded(t *testing.T) {
	db := testDB(t)
	p, err := db.DefaultPreset()
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || !p.IsDefault || p.Name != "Default" {
		t.Fatalf("default preset = %+v", p)
	}
	perms, err := db.PresetPermissions("")
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultPermissions()
	want.ID = p.PermissionsID
	if *perms != want {
		t.Errorf("default preset permissions = %+v, want %+v", *perms, want)
	}
}

func TestPresetLifecycle(t *testing.T) {
	db := testDB(t)
	perms := DefaultPermissions()
	perms.ReadReceipts = false
	p, err := db.AddPreset("Quiet", perms)
	if err != nil {
		t.Fatal(err)
	}

	perms.Notifications = false
	if err := db.UpdatePreset(p.ID, "Silent", &perms); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetPreset(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Silent" {
		t.Errorf("name = %q, want Silent", got.Name)
	}
	pp, err := db.PresetPermissions(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pp.Notifications || pp.ReadReceipts {
		t.Errorf("preset permissions = %+v, want notifications and read receipts off", pp)
	}

	list, err := db.ListPresets()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || !list[0].IsDefault || list[1].ID != p.ID {
		t.Errorf("presets = %+v, want default then Silent", list)
	}

	if err := db.DeletePreset(p.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetPreset(p.ID); got != nil {
		t.Errorf("preset still present: %+v", got)
	}
	if left, _ := db.GetPermissions(p.PermissionsID); left != nil {
		t.Errorf("preset permissions row left behind: %+v", left)
	}
}

func TestDefaultPresetCannotBeDeleted(t *testing.T) {
	db := testDB(t)
	p, err := db.DefaultPreset()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.DeletePreset(p.ID); !errors.Is(err, ErrDefaultPreset) {
		t.Errorf("err = %v, want ErrDefaultPreset", err)
	}
	if err := db.DeletePreset("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGroupMemberRoster(t *testing.T) {
	db := testDB(t)
	g := newConn(t, db, "group-1", "pair-g", Group)

	for i, id := range []string{"carol", "dave"} {
		ok, err := db.AddGroupMember(&GroupMember{ChatID: g.ChatID, MemberID: id, JoinedAt: int64(i + 1)})
		if err != nil || !ok {
			t.Fatalf("add %s = %v, %v", id, ok, err)
		}
	}
	if ok, _ := db.AddGroupMember(&GroupMember{ChatID: g.ChatID, MemberID: "carol", JoinedAt: 9}); ok {
		t.Error("second add of carol wrote a row")
	}
	if err := db.SetGroupMemberName(g.ChatID, "carol", "Carol"); err != nil {
		t.Fatal(err)
	}
	if err := db.RemoveGroupMember(g.ChatID, "dave"); err != nil {
		t.Fatal(err)
	}

	list, err := db.ListGroupMembers(g.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].MemberID != "carol" || list[0].Name != "Carol" || list[0].JoinedAt != 1 {
		t.Errorf("members = %+v, want only Carol joined at 1", list)
	}
	dave, err := db.GetGroupMember(g.ChatID, "dave")
	if err != nil {
		t.Fatal(err)
	}
	if dave == nil || !dave.Deleted {
		t.Errorf("dave = %+v, want a deleted row", dave)
	}

	if err := db.PurgeConnection(g.ChatID); err != nil {
		t.Fatal(err)
	}
	if m, _ := db.GetGroupMember(g.ChatID, "carol"); m != nil {
		t.Errorf("member survived chat deletion: %+v", m)
	}
}
