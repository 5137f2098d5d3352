package api

import (
	"context"

	"github.com/matheus3301/port/internal/ports"
	"github.com/matheus3301/port/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// CreatePort generates a port or superport and returns it with its URL.
func (s *Service) CreatePort(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	expiry, err := a.duration("expiry")
	if err != nil {
		return nil, err
	}
	if a.boolean("no_expiry") {
		expiry = -1
	}
	opts := ports.CreateOptions{
		Target:          store.ConnectionType(a.str("target")),
		Kind:            store.PortKind(a.str("kind")),
		ConnectionLimit: int(a.number("connection_limit")),
		Expiry:          expiry,
		PermissionsID:   a.str("permissions_id"),
		PresetID:        a.str("preset_id"),
		FolderID:        a.str("folder_id"),
		Label:           a.str("label"),
	}
	switch opts.Target {
	case "", store.Direct, store.Group:
	default:
		return nil, invalidArgument("unknown target %q", opts.Target)
	}
	if opts.Kind == store.KindContact {
		return nil, invalidArgument("contact ports are issued per chat")
	}
	p, err := s.Ports.CreatePort(ctx, opts)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"port": portToView(p)})
}

// ConsumePort reads a bundle URL. Verdicts on the bundle are returned in
// the "error" field of a successful response.
func (s *Service) ConsumePort(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	url, err := a.required("url")
	if err != nil {
		return nil, err
	}
	conn, verdict, err := s.Consumer.ConsumePort(ctx, url, a.str("folder_id"))
	if err != nil {
		return nil, err
	}
	resp := map[string]any{}
	if conn != nil {
		resp["connection"] = connectionToView(conn)
	}
	if v := verdictToView(verdict); v != nil {
		resp["error"] = v
	}
	return toStruct(resp)
}

// PausePort stops a port from accepting new connections.
func (s *Service) PausePort(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.setPortPaused(ctx, req, true)
}

// ResumePort reverses PausePort.
func (s *Service) ResumePort(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.setPortPaused(ctx, req, false)
}

func (s *Service) setPortPaused(ctx context.Context, req *structpb.Struct, paused bool) (*structpb.Struct, error) {
	bundleID, err := argsOf(req).required("bundle_id")
	if err != nil {
		return nil, err
	}
	if paused {
		err = s.Ports.PausePort(ctx, bundleID)
	} else {
		err = s.Ports.ResumePort(ctx, bundleID)
	}
	if err != nil {
		return nil, err
	}
	p, err := s.Ports.GetPort(bundleID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("port %s", bundleID)
	}
	return toStruct(map[string]any{"port": portToView(p)})
}

// ListPorts returns the ports this device generated.
func (s *Service) ListPorts(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ps, err := s.Ports.ListPorts()
	if err != nil {
		return nil, err
	}
	views := make([]portView, 0, len(ps))
	for i := range ps {
		views = append(views, portToView(&ps[i]))
	}
	return toStruct(map[string]any{"ports": views})
}

// PauseContactPort pauses our contact port for a chat and tells the peer.
func (s *Service) PauseContactPort(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.setContactPaused(ctx, req, true)
}

// ResumeContactPort reverses PauseContactPort.
func (s *Service) ResumeContactPort(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.setContactPaused(ctx, req, false)
}

func (s *Service) setContactPaused(ctx context.Context, req *structpb.Struct, paused bool) (*structpb.Struct, error) {
	conn, err := s.connection(argsOf(req))
	if err != nil {
		return nil, err
	}
	if paused {
		err = s.Ports.PauseContactPort(ctx, conn.PairHash)
	} else {
		err = s.Ports.ResumeContactPort(ctx, conn.PairHash)
	}
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"chat_id": conn.ChatID, "paused": paused})
}

// ShareContactPort forwards the peer contact port of one chat into another.
func (s *Service) ShareContactPort(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	from, err := a.required("from_chat_id")
	if err != nil {
		return nil, err
	}
	to, err := a.required("to_chat_id")
	if err != nil {
		return nil, err
	}
	m, err := s.Ports.ShareContactPort(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"message": messageToView(m)})
}

// connection loads the chat named by the chat_id field.
func (s *Service) connection(a args) (*store.Connection, error) {
	chatID, err := a.required("chat_id")
	if err != nil {
		return nil, err
	}
	conn, err := s.DB.GetConnection(chatID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, notFound("chat %s", chatID)
	}
	return conn, nil
}
