// Package outbox owns the send path. Messages are journaled in the store
// first and leave the device afterwards; a row only becomes sent once the
// relay acknowledged it.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/crypto"
	"github.com/matheus3301/port/internal/relay"
	"github.com/matheus3301/port/internal/store"
	"github.com/matheus3301/port/internal/workqueue"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrDisconnected is returned when journaling into a disconnected chat.
var ErrDisconnected = errors.New("chat is disconnected")

// ErrChatNotFound is returned when journaling into an unknown chat.
var ErrChatNotFound = errors.New("chat not found")

// errUnreachable marks a send that never got an answer from the relay.
var errUnreachable = errors.New("relay unreachable")

// Transport posts sealed envelopes. relay.API satisfies it.
type Transport interface {
	Send(ctx context.Context, env relay.Envelope) (*relay.SendReceipt, error)
}

// Sender journals outgoing messages and drains the journal to the relay.
type Sender struct {
	db        *store.DB
	transport Transport
	queue     *workqueue.Queue[bus.MessageRef]
	bus       *bus.Bus
	logger    *zap.Logger
	interval  time.Duration
	kick      chan struct{}
	now       func() time.Time

	// mu serializes drains so a message is never posted twice.
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSender creates a sender that drains every interval and on Kick.
func NewSender(db *store.DB, transport Transport, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sender{
		db:        db,
		transport: transport,
		queue:     workqueue.New[bus.MessageRef](),
		bus:       b,
		logger:    logger,
		interval:  interval,
		kick:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Journal stores c as an outgoing message of chatID and schedules it. The
// expiry is fixed here from the chat's disappearing timeout.
func (s *Sender) Journal(ctx context.Context, chatID string, c content.Content, replyID string) (*store.Message, error) {
	conn, err := s.db.GetConnection(chatID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	if conn.Disconnected {
		return nil, ErrDisconnected
	}

	data, err := content.Encode(c)
	if err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	m := &store.Message{
		ChatID:      chatID,
		MessageID:   uuid.NewString(),
		ContentType: string(c.Type()),
		Data:        data,
		ReplyID:     replyID,
		Timestamp:   now,
	}
	if !content.Silent(c.Type()) {
		perms, err := s.db.ChatPermissions(chatID)
		if err != nil {
			return nil, err
		}
		if perms != nil && perms.DisappearingMessages > 0 {
			m.ExpiresOn = now + perms.DisappearingMessages*1000
		}
	}
	if err := s.db.JournalMessage(m); err != nil {
		return nil, err
	}

	ref := bus.MessageRef{ChatID: chatID, MessageID: m.MessageID}
	s.queue.Enqueue(ref)
	s.bus.Emit(bus.MessageJournaled, ref)
	s.Kick()
	return m, nil
}

// Start begins draining the journal.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Kick asks the loop to drain now. It never blocks.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.kick:
		case <-ctx.Done():
			return
		}
		if _, err := s.Flush(ctx); err != nil {
			s.logger.Debug("send pass incomplete", zap.Error(err))
		}
	}
}

// Flush posts every journaled message: first the ones queued in memory, in
// journal order, then whatever the store still holds. It returns how many
// messages were acknowledged. A message that fails on its own, rejected by
// the relay or unsendable locally, stays journaled and the pass moves on.
// Only an unreachable relay ends the pass early.
func (s *Sender) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []store.Message
	seen := make(map[bus.MessageRef]bool)
	for _, ref := range s.queue.Flush() {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		m, err := s.db.GetMessage(ref.ChatID, ref.MessageID)
		if err != nil {
			return 0, err
		}
		if m != nil && m.Status == store.StatusJournaled {
			batch = append(batch, *m)
		}
	}
	pending, err := s.db.PendingSends(0)
	if err != nil {
		return 0, err
	}
	for _, m := range pending {
		ref := bus.MessageRef{ChatID: m.ChatID, MessageID: m.MessageID}
		if !seen[ref] {
			seen[ref] = true
			batch = append(batch, m)
		}
	}

	var sent int
	var errs error
	for i := range batch {
		if err := ctx.Err(); err != nil {
			return sent, multierr.Append(errs, err)
		}
		err := s.send(ctx, &batch[i])
		if err == nil {
			sent++
			continue
		}
		errs = multierr.Append(errs, err)
		if errors.Is(err, errUnreachable) {
			break
		}
		s.logger.Warn("message not sent, moving on",
			zap.String("chat_id", batch[i].ChatID), zap.String("message_id", batch[i].MessageID), zap.Error(err))
	}
	return sent, errs
}

func (s *Sender) send(ctx context.Context, m *store.Message) error {
	ref := bus.MessageRef{ChatID: m.ChatID, MessageID: m.MessageID}
	log := s.logger.With(zap.String("chat_id", m.ChatID), zap.String("message_id", m.MessageID))

	ci, err := s.db.ChatCrypto(m.ChatID)
	if err != nil {
		return err
	}
	if ci == nil || len(ci.SharedSecret) == 0 {
		return fmt.Errorf("chat %s has no shared secret", m.ChatID)
	}
	payload, err := content.MarshalEnvelope(&content.Envelope{
		MessageID: m.MessageID,
		Type:      content.Type(m.ContentType),
		Data:      m.Data,
		ReplyID:   m.ReplyID,
		Timestamp: m.Timestamp,
		ExpiresOn: m.ExpiresOn,
	})
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(ci.SharedSecret, payload)
	if err != nil {
		return err
	}

	if _, err := s.transport.Send(ctx, relay.Envelope{ChatID: m.ChatID, MessageID: m.MessageID, Payload: sealed}); err != nil {
		log.Warn("send failed", zap.Error(err))
		s.bus.Emit(bus.MessageSendFailed, ref)
		if relay.IsRejection(err) {
			return fmt.Errorf("send %s: %w", m.MessageID, err)
		}
		return fmt.Errorf("send %s: %w: %w", m.MessageID, errUnreachable, err)
	}

	ok, err := s.db.MarkSent(m.ChatID, m.MessageID)
	if err != nil {
		log.Error("failed to mark sent", zap.Error(err))
		return err
	}
	if !ok {
		return nil
	}

	t := content.Type(m.ContentType)
	if t == content.TypeInitialInfo {
		conn, err := s.db.MarkInfoSent(m.ChatID)
		if err != nil {
			log.Error("failed to mark info sent", zap.Error(err))
			return err
		}
		if conn.Authenticated {
			log.Info("connection authenticated")
			s.bus.Emit(bus.ConnectionAuthenticated, m.ChatID)
		}
	}
	if content.Ephemeral(t) {
		if _, err := s.db.DeleteMessage(m.ChatID, m.MessageID); err != nil {
			log.Warn("failed to drop ephemeral message", zap.Error(err))
		}
	}

	log.Debug("message sent", zap.String("type", m.ContentType))
	s.bus.Emit(bus.MessageSent, ref)
	return nil
}
