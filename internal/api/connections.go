package api

import (
	"context"

	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/store"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// GetConnection returns one chat.
func (s *Service) GetConnection(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conn, err := s.connection(argsOf(req))
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"connection": connectionToView(conn)})
}

// ListConnections returns every chat, newest activity first.
func (s *Service) ListConnections(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	cs, err := s.DB.ListConnections()
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"connections": connectionsToView(cs)})
}

// ListConnectionsByFolder returns the chats of one folder.
func (s *Service) ListConnectionsByFolder(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	folderID, err := argsOf(req).required("folder_id")
	if err != nil {
		return nil, err
	}
	cs, err := s.DB.ListConnectionsByFolder(folderID)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"connections": connectionsToView(cs)})
}

// MoveConnection assigns a chat to another folder. Its permissions are
// left alone until the folder template is applied.
func (s *Service) MoveConnection(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	chatID, err := a.required("chat_id")
	if err != nil {
		return nil, err
	}
	folderID, err := a.required("folder_id")
	if err != nil {
		return nil, err
	}
	if err := s.DB.MoveConnection(chatID, folderID); err != nil {
		return nil, err
	}
	s.Bus.Emit(bus.ConnectionUpdated, chatID)
	return s.GetConnection(ctx, req)
}

// Disconnect ends a chat and notifies the peer.
func (s *Service) Disconnect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := argsOf(req).required("chat_id")
	if err != nil {
		return nil, err
	}
	if err := s.Handshake.Disconnect(ctx, chatID); err != nil {
		return nil, err
	}
	return s.GetConnection(ctx, req)
}

// ListGroupMembers returns the roster of a group chat.
func (s *Service) ListGroupMembers(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conn, err := s.connection(argsOf(req))
	if err != nil {
		return nil, err
	}
	if conn.Type != store.Group {
		return nil, invalidArgument("chat %s is not a group", conn.ChatID)
	}
	ms, err := s.DB.ListGroupMembers(conn.ChatID)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"chat_id": conn.ChatID, "members": membersToView(ms)})
}

// AddFolder creates a folder whose template starts from the preset named
// by preset_id, or the defaults, overridden by any permission fields in the
// request.
func (s *Service) AddFolder(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	name, err := a.required("name")
	if err != nil {
		return nil, err
	}
	perms, err := s.startingPermissions(a)
	if err != nil {
		return nil, err
	}
	applyPermissions(&perms, a)
	f, err := s.DB.AddFolder(name, perms)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"folder": folderToView(f)})
}

// ListFolders returns every folder.
func (s *Service) ListFolders(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	fs, err := s.DB.ListFolders()
	if err != nil {
		return nil, err
	}
	views := make([]folderView, 0, len(fs))
	for i := range fs {
		views = append(views, folderToView(&fs[i]))
	}
	return toStruct(map[string]any{"folders": views})
}

// DeleteFolder removes a folder. Its chats move to the default folder.
func (s *Service) DeleteFolder(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := argsOf(req).required("folder_id")
	if err != nil {
		return nil, err
	}
	if err := s.DB.DeleteFolder(id); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"deleted": id})
}

// GetChatPermissions returns the permissions of a chat.
func (s *Service) GetChatPermissions(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conn, err := s.connection(argsOf(req))
	if err != nil {
		return nil, err
	}
	p, err := s.DB.ChatPermissions(conn.ChatID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("permissions of chat %s", conn.ChatID)
	}
	return toStruct(map[string]any{"permissions": permissionsToView(p)})
}

// UpdateChatPermissions changes the toggles present in the request. A new
// disappearing timeout is announced to the peer; messages already sent
// keep their expiry.
func (s *Service) UpdateChatPermissions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	conn, err := s.connection(a)
	if err != nil {
		return nil, err
	}
	p, err := s.DB.ChatPermissions(conn.ChatID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("permissions of chat %s", conn.ChatID)
	}
	before := p.DisappearingMessages
	applyPermissions(p, a)
	if p.DisappearingMessages < 0 {
		return nil, invalidArgument("disappearing_messages must not be negative")
	}
	if err := s.DB.UpdatePermissions(*p); err != nil {
		return nil, err
	}
	if p.DisappearingMessages != before && !conn.Disconnected {
		s.announceTimeout(ctx, conn.ChatID, p.DisappearingMessages)
	}
	s.Bus.Emit(bus.ConnectionUpdated, conn.ChatID)
	return toStruct(map[string]any{"permissions": permissionsToView(p)})
}

// UpdateFolderPermissions changes the folder template. Chats in the folder
// pick it up when "apply" is set or ApplyFolderPermissions runs.
func (s *Service) UpdateFolderPermissions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	folderID, err := a.required("folder_id")
	if err != nil {
		return nil, err
	}
	f, err := s.DB.GetFolder(folderID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, notFound("folder %s", folderID)
	}
	p, err := s.DB.GetPermissions(f.PermissionsID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("permissions of folder %s", folderID)
	}
	applyPermissions(p, a)
	if err := s.DB.UpdateFolderPermissions(folderID, *p); err != nil {
		return nil, err
	}
	resp := map[string]any{"permissions": permissionsToView(p)}
	if a.boolean("apply") {
		n, err := s.applyFolder(ctx, folderID)
		if err != nil {
			return nil, err
		}
		resp["updated"] = n
	}
	return toStruct(resp)
}

// ApplyFolderPermissions copies the folder template onto its chats.
func (s *Service) ApplyFolderPermissions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	folderID, err := argsOf(req).required("folder_id")
	if err != nil {
		return nil, err
	}
	n, err := s.applyFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"updated": n})
}

// applyFolder copies the folder template onto its chats and announces the
// new disappearing timeout to every live chat whose timeout changed.
func (s *Service) applyFolder(ctx context.Context, folderID string) (int64, error) {
	applied, err := s.DB.ApplyFolderPermissions(folderID)
	if err != nil {
		return 0, err
	}
	for _, chatID := range applied.TimeoutChanged {
		conn, err := s.DB.GetConnection(chatID)
		if err != nil {
			return applied.Updated, err
		}
		if conn != nil && !conn.Disconnected {
			s.announceTimeout(ctx, chatID, applied.Timeout)
		}
		s.Bus.Emit(bus.ConnectionUpdated, chatID)
	}
	return applied.Updated, nil
}

// announceTimeout tells the peer about a new disappearing timeout. A failed
// announcement is logged; the local change stands.
func (s *Service) announceTimeout(ctx context.Context, chatID string, seconds int64) {
	if _, err := s.Sender.Journal(ctx, chatID, content.DisappearingTimeout{Seconds: seconds}, ""); err != nil {
		s.Logger.Warn("disappearing timeout not announced", zap.String("chat_id", chatID), zap.Error(err))
	}
}
