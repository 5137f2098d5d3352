package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/port/internal/bundle"
	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/crypto"
	"github.com/matheus3301/port/internal/handshake"
	"github.com/matheus3301/port/internal/relay"
	"github.com/matheus3301/port/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CheckpointInbox is the checkpoint key of the relay pull cursor.
const CheckpointInbox = "inbox_cursor"

const (
	pullLimit = 100
	// maxAttempts is when a failing item is reported as stuck. It stays
	// buffered and keeps retrying at maxRetryDelay.
	maxAttempts   = 20
	maxRetryDelay = time.Hour
)

// retryDelay is zero for the first retry, then doubles from one second up
// to maxRetryDelay.
func retryDelay(attempts int) time.Duration {
	if attempts == 0 {
		return 0
	}
	return min(time.Second<<min(attempts-1, 12), maxRetryDelay)
}

// Journaler journals an outgoing message. *outbox.Sender satisfies it.
type Journaler interface {
	Journal(ctx context.Context, chatID string, c content.Content, replyID string) (*store.Message, error)
}

// Puller fetches inbound items from the relay.
type Puller interface {
	Pull(ctx context.Context, cursor string, limit int) (*relay.Batch, error)
}

// Engine is the receive path. Pull buffers relay items durably before the
// cursor moves; ProcessBuffered applies them idempotently, so an item
// applied twice after a crash leaves the store unchanged.
type Engine struct {
	db      *store.DB
	relay   Puller
	hs      *handshake.Protocol
	journal Journaler
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time
	mu      gosync.Mutex
}

// NewEngine creates a receive engine.
func NewEngine(db *store.DB, api Puller, hs *handshake.Protocol, journal Journaler, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:      db,
		relay:   api,
		hs:      hs,
		journal: journal,
		bus:     b,
		logger:  logger,
		now:     time.Now,
	}
}

// Pull fetches every item after the stored cursor into the inbound buffer
// and advances the cursor, then processes the buffer. It returns the
// number of items fetched.
func (e *Engine) Pull(ctx context.Context) (int, error) {
	cursor, err := e.db.GetCheckpoint(CheckpointInbox)
	if err != nil {
		return 0, err
	}
	var fetched int
	for {
		batch, err := e.relay.Pull(ctx, cursor, pullLimit)
		if err != nil {
			return fetched, fmt.Errorf("pull: %w", err)
		}
		for _, it := range batch.Items {
			if _, err := e.db.BufferInbound(&store.Unprocessed{
				ServerID:   it.ServerID,
				Kind:       it.Kind,
				ChatID:     it.ChatID,
				BundleID:   it.BundleID,
				SenderID:   it.SenderID,
				Payload:    it.Payload,
				ReceivedAt: it.Timestamp,
			}); err != nil {
				return fetched, err
			}
		}
		fetched += len(batch.Items)
		if batch.Cursor != cursor {
			if err := e.db.SetCheckpoint(CheckpointInbox, batch.Cursor); err != nil {
				return fetched, err
			}
			cursor = batch.Cursor
		}
		if len(batch.Items) < pullLimit {
			break
		}
	}
	if fetched > 0 {
		e.logger.Debug("inbound buffered", zap.Int("items", fetched))
	}
	_, err = e.ProcessBuffered(ctx)
	return fetched, err
}

// ProcessBuffered applies every due buffered item in arrival order. An
// item is deleted once applied or rejected by the handshake. A failed item
// keeps its row with the attempt count bumped and is held back before the
// next try; undecodable items wait the longest. It returns the number of
// items applied.
func (e *Engine) ProcessBuffered(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	list, err := e.db.DueUnprocessed(now.UnixMilli(), 0)
	if err != nil {
		return 0, err
	}
	var (
		applied   int
		errs      error
		delivered = make(map[string][]string)
	)
	for _, u := range list {
		if err := ctx.Err(); err != nil {
			return applied, multierr.Append(errs, err)
		}
		log := e.logger.With(zap.String("server_id", u.ServerID), zap.String("chat_id", u.ChatID))

		var aerr error
		switch u.Kind {
		case relay.KindNewChat:
			aerr = e.applyNewChat(ctx, &u)
		case relay.KindMessage:
			var id string
			id, aerr = e.applyMessage(ctx, &u)
			if id != "" {
				delivered[u.ChatID] = append(delivered[u.ChatID], id)
			}
		default:
			aerr = fmt.Errorf("%w: unknown kind %q", errUndecodable, u.Kind)
		}

		attempts := u.Attempts + 1
		switch {
		case aerr == nil:
			applied++
			errs = multierr.Append(errs, e.db.DeleteUnprocessed(u.ID))
		case errors.Is(aerr, handshake.ErrRejected):
			log.Warn("inbound chat rejected", zap.Error(aerr))
			errs = multierr.Append(errs, e.db.DeleteUnprocessed(u.ID))
		case errors.Is(aerr, errUndecodable):
			log.Warn("inbound item undecodable, holding it back", zap.Int("attempts", attempts), zap.Error(aerr))
			retryAt := now.Add(maxRetryDelay).UnixMilli()
			errs = multierr.Append(errs, e.db.FailUnprocessed(u.ID, aerr.Error(), retryAt))
		default:
			if attempts == maxAttempts {
				log.Error("inbound item stuck", zap.Int("attempts", attempts), zap.Error(aerr))
			} else {
				log.Warn("inbound item failed, keeping for retry", zap.Int("attempts", attempts), zap.Error(aerr))
			}
			retryAt := now.Add(retryDelay(u.Attempts)).UnixMilli()
			errs = multierr.Append(errs, aerr)
			errs = multierr.Append(errs, e.db.FailUnprocessed(u.ID, aerr.Error(), retryAt))
		}
	}

	for chatID, ids := range delivered {
		_, err := e.journal.Journal(ctx, chatID, content.Receipt{MessageIDs: ids, Status: int(store.StatusDelivered)}, "")
		if err != nil {
			e.logger.Warn("failed to journal delivery receipt", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	return applied, errs
}

var errUndecodable = errors.New("undecodable inbound message")

func (e *Engine) applyNewChat(ctx context.Context, u *store.Unprocessed) error {
	_, err := e.hs.Accept(ctx, u.ChatID, u.BundleID, u.SenderID, u.Payload)
	return err
}

// applyMessage decrypts and applies one chat message. It returns the id of
// a newly stored visible message, which is owed a delivery receipt.
func (e *Engine) applyMessage(ctx context.Context, u *store.Unprocessed) (string, error) {
	conn, err := e.db.GetConnection(u.ChatID)
	if err != nil {
		return "", err
	}
	if conn == nil {
		// The new_chat item may still be ahead of us in another pass.
		return "", fmt.Errorf("chat %s: %w", u.ChatID, store.ErrNotFound)
	}
	ci, err := e.db.ChatCrypto(u.ChatID)
	if err != nil {
		return "", err
	}
	if ci == nil || len(ci.SharedSecret) == 0 {
		return "", fmt.Errorf("chat %s has no secret", u.ChatID)
	}
	plain, err := crypto.Open(ci.SharedSecret, u.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUndecodable, err)
	}
	env, err := content.UnmarshalEnvelope(plain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUndecodable, err)
	}
	c, err := env.Open()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUndecodable, err)
	}
	senderID := u.SenderID
	if senderID == "" {
		senderID = env.SenderID
	}

	if conn.Disconnected {
		return "", nil
	}
	ts := env.Timestamp
	if ts == 0 {
		ts = u.ReceivedAt
	}
	if conn.Type == store.Group && senderID != "" {
		added, err := e.db.AddGroupMember(&store.GroupMember{ChatID: conn.ChatID, MemberID: senderID, JoinedAt: ts})
		if err != nil {
			return "", err
		}
		if added {
			e.bus.Emit(bus.ConnectionUpdated, conn.ChatID)
		}
	}
	handled, err := e.applyControl(conn, senderID, env, c)
	if err != nil || handled {
		return "", err
	}

	m := &store.Message{
		ChatID:      u.ChatID,
		MessageID:   env.MessageID,
		ContentType: string(env.Type),
		Data:        env.Data,
		ReplyID:     env.ReplyID,
		Timestamp:   ts,
		Status:      store.StatusDelivered,
		ExpiresOn:   env.ExpiresOn,
		MediaID:     content.MediaID(env.Type, env.Data),
	}
	if conn.Type == store.Group {
		m.SenderID = senderID
	}
	inserted, err := e.db.InsertInbound(m)
	if err != nil {
		return "", err
	}
	if !inserted {
		return "", nil
	}
	e.bus.Emit(bus.MessageReceived, bus.MessageRef{ChatID: m.ChatID, MessageID: m.MessageID})
	if content.Silent(env.Type) {
		return "", nil
	}
	return m.MessageID, nil
}

// applyControl applies contents that change state rather than add a
// message. handled reports that nothing is left to store.
func (e *Engine) applyControl(conn *store.Connection, senderID string, env *content.Envelope, c content.Content) (handled bool, err error) {
	now := e.now().UnixMilli()
	switch v := c.(type) {
	case content.InitialInfo:
		_, err := e.hs.ReceiveInitialInfo(conn.ChatID, v)
		return true, err

	case content.Receipt:
		status := store.MessageStatus(v.Status)
		if status != store.StatusDelivered && status != store.StatusRead {
			return true, nil
		}
		n, err := e.db.AdvanceStatus(conn.ChatID, v.MessageIDs, status)
		if err == nil && n > 0 {
			e.bus.Emit(bus.MessageStatus, bus.MessageRef{ChatID: conn.ChatID})
		}
		return true, err

	case content.Reaction:
		err := e.db.UpsertReaction(&store.Reaction{
			ChatID:    conn.ChatID,
			MessageID: v.MessageID,
			SenderID:  senderID,
			Emoji:     v.Emoji,
			Timestamp: env.Timestamp,
		})
		if err == nil {
			e.bus.Emit(bus.ReactionUpdated, bus.MessageRef{ChatID: conn.ChatID, MessageID: v.MessageID})
		}
		return true, err

	case content.Deletion:
		m, err := e.db.GetMessage(conn.ChatID, v.MessageID)
		if err != nil || m == nil {
			return true, err
		}
		// Peers may only delete their own messages.
		if m.Sender || (conn.Type == store.Group && m.SenderID != senderID) {
			return true, nil
		}
		_, err = e.db.DeleteMessage(conn.ChatID, v.MessageID)
		return true, err

	case content.Disconnect:
		return true, e.hs.Disconnected(conn.ChatID)

	case content.ContactPortPause:
		_, err := e.db.SetContactPortPaused(conn.PairHash, store.OwnerPeer, true, now)
		return true, err

	case content.ContactPortResume:
		_, err := e.db.SetContactPortPaused(conn.PairHash, store.OwnerPeer, false, now)
		return true, err

	case content.ContactBundle:
		if v.Shared || conn.Type != store.Direct {
			return false, nil
		}
		b, err := bundle.Parse(v.URL)
		if err != nil {
			e.logger.Warn("peer contact bundle ignored", zap.String("chat_id", conn.ChatID), zap.Error(err))
			return true, nil
		}
		return true, e.db.UpsertContactPort(&store.ContactPort{
			PairHash:  conn.PairHash,
			Owner:     store.OwnerPeer,
			BundleID:  b.BundleID,
			URL:       v.URL,
			UpdatedAt: now,
		})

	case content.Name:
		if conn.Type == store.Group && v.Name != "" {
			return false, e.db.SetGroupMemberName(conn.ChatID, senderID, v.Name)
		}
		if conn.Type == store.Direct && v.Name != "" && v.Name != conn.Name {
			if err := e.db.SetConnectionName(conn.ChatID, v.Name); err != nil {
				return true, err
			}
			e.bus.Emit(bus.ConnectionUpdated, conn.ChatID)
		}
		return false, nil

	case content.DisappearingTimeout:
		perms, err := e.db.ChatPermissions(conn.ChatID)
		if err != nil {
			return true, err
		}
		if perms != nil && perms.DisappearingMessages != v.Seconds {
			perms.DisappearingMessages = v.Seconds
			if err := e.db.UpdatePermissions(*perms); err != nil {
				return true, err
			}
			e.bus.Emit(bus.ConnectionUpdated, conn.ChatID)
		}
		return false, nil
	}
	return false, nil
}

// MarkRead marks the chat's inbound messages read and, when the chat's
// permissions allow it, tells the peer.
func (e *Engine) MarkRead(ctx context.Context, chatID string) ([]string, error) {
	ids, err := e.db.MarkChatRead(chatID)
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	perms, err := e.db.ChatPermissions(chatID)
	if err != nil {
		return ids, err
	}
	if perms == nil || !perms.ReadReceipts {
		return ids, nil
	}
	_, err = e.journal.Journal(ctx, chatID, content.Receipt{MessageIDs: ids, Status: int(store.StatusRead)}, "")
	return ids, err
}

// SweepExpired deletes disappearing messages whose expiry has passed from
// the direct table.
func (e *Engine) SweepExpired() (int64, error) {
	n, err := e.db.SweepExpired(e.now().UnixMilli())
	if n > 0 {
		e.bus.Emit(bus.MessageExpired, n)
	}
	return n, err
}

// SweepExpiredGroup is SweepExpired for group chats.
func (e *Engine) SweepExpiredGroup() (int64, error) {
	n, err := e.db.SweepExpiredGroup(e.now().UnixMilli())
	if n > 0 {
		e.bus.Emit(bus.MessageExpired, n)
	}
	return n, err
}
