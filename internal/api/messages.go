package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultPageSize = 50

// SendMessage journals a text or name message and kicks the sender.
func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	chatID, err := a.required("chat_id")
	if err != nil {
		return nil, err
	}
	var c content.Content
	switch typ := content.Type(a.str("type")); typ {
	case "", content.TypeText:
		text, err := a.required("text")
		if err != nil {
			return nil, err
		}
		c = content.Text{Text: text}
	case content.TypeName:
		name, err := a.required("text")
		if err != nil {
			return nil, err
		}
		c = content.Name{Name: name}
	default:
		return nil, invalidArgument("content type %q cannot be sent directly", typ)
	}
	m, err := s.Sender.Journal(ctx, chatID, c, a.str("reply_id"))
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"message": messageToView(m)})
}

// SendFile encrypts and uploads a local file, then journals the message
// that references it.
func (s *Service) SendFile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	chatID, err := a.required("chat_id")
	if err != nil {
		return nil, err
	}
	path, err := a.required("path")
	if err != nil {
		return nil, err
	}
	m, err := s.Media.SendFile(ctx, chatID, path, a.str("caption"))
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"message": messageToView(m)})
}

// CancelUpload aborts the upload of a path.
func (s *Service) CancelUpload(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	path, err := argsOf(req).required("path")
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"canceled": s.Media.Cancel(path)})
}

// DownloadMedia fetches the attachment of a message into the media
// directory.
func (s *Service) DownloadMedia(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.message(argsOf(req))
	if err != nil {
		return nil, err
	}
	path, err := s.Media.DownloadMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"path": path})
}

// ListMessages returns the messages after the cursor in timestamp order.
// A page ends with the (cursor, cursor_id) pair to pass back for the next
// one; messages sharing a timestamp are never skipped.
func (s *Service) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	chatID, err := a.required("chat_id")
	if err != nil {
		return nil, err
	}
	limit := int(a.number("limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	after := store.Cursor{Timestamp: a.number("cursor"), Seq: a.number("cursor_id")}
	msgs, next, err := s.DB.MessagesSince(chatID, after, limit)
	if err != nil {
		return nil, err
	}
	views := make([]messageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, messageToView(&msgs[i]))
	}
	return toStruct(map[string]any{
		"messages":  views,
		"cursor":    next.Timestamp,
		"cursor_id": next.Seq,
		"has_more":  len(msgs) == limit,
	})
}

// React sets or clears our reaction on a message.
func (s *Service) React(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	m, err := s.message(a)
	if err != nil {
		return nil, err
	}
	self, err := s.clientID()
	if err != nil {
		return nil, err
	}
	emoji := a.str("emoji")
	if _, err := s.Sender.Journal(ctx, m.ChatID, content.Reaction{MessageID: m.MessageID, Emoji: emoji}, ""); err != nil {
		return nil, err
	}
	r := &store.Reaction{ChatID: m.ChatID, MessageID: m.MessageID, SenderID: self, Emoji: emoji, Timestamp: time.Now().UnixMilli()}
	if err := s.DB.UpsertReaction(r); err != nil {
		return nil, err
	}
	s.Bus.Emit(bus.ReactionUpdated, bus.MessageRef{ChatID: m.ChatID, MessageID: m.MessageID})
	return toStruct(map[string]any{"chat_id": m.ChatID, "message_id": m.MessageID, "emoji": emoji})
}

// DeleteMessage deletes one of our messages here and on the peer.
func (s *Service) DeleteMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.message(argsOf(req))
	if err != nil {
		return nil, err
	}
	if !m.Sender {
		return nil, failedPrecondition("only your own messages can be deleted")
	}
	if _, err := s.Sender.Journal(ctx, m.ChatID, content.Deletion{MessageID: m.MessageID}, ""); err != nil {
		return nil, err
	}
	deleted, err := s.DB.DeleteMessage(m.ChatID, m.MessageID)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"deleted": deleted})
}

// MarkRead clears the unread count of a chat and, when the chat allows
// it, sends read receipts.
func (s *Service) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := argsOf(req).required("chat_id")
	if err != nil {
		return nil, err
	}
	ids, err := s.Engine.MarkRead(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"read": len(ids)})
}

// WatchEvents streams bus events whose kind starts with the "prefix"
// field until the client goes away.
func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.Bus.Subscribe(argsOf(req).str("prefix"), 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if err := stream.SendMsg(eventToStruct(evt)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func eventToStruct(evt bus.Event) *structpb.Struct {
	payload, err := payloadValue(evt.Payload)
	if err != nil {
		payload = structpb.NewStringValue(fmt.Sprint(evt.Payload))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":      structpb.NewStringValue(evt.Kind),
		"timestamp": structpb.NewNumberValue(float64(evt.Timestamp.UnixMilli())),
		"payload":   payload,
	}}
}

func payloadValue(v any) (*structpb.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

// message loads the message named by the chat_id and message_id fields.
func (s *Service) message(a args) (*store.Message, error) {
	chatID, err := a.required("chat_id")
	if err != nil {
		return nil, err
	}
	messageID, err := a.required("message_id")
	if err != nil {
		return nil, err
	}
	m, err := s.DB.GetMessage(chatID, messageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, notFound("message %s in chat %s", messageID, chatID)
	}
	return m, nil
}

func (s *Service) clientID() (string, error) {
	p, err := s.DB.GetProfile()
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", failedPrecondition("no profile on this device")
	}
	return p.ClientID, nil
}
