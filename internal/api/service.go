// Package api exposes the daemon over gRPC. Requests and responses are
// google.protobuf.Struct values, so the service is described by hand
// instead of generated from a .proto file.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/port/internal/account"
	"github.com/matheus3301/port/internal/backup"
	"github.com/matheus3301/port/internal/bus"
	"github.com/matheus3301/port/internal/handshake"
	"github.com/matheus3301/port/internal/media"
	"github.com/matheus3301/port/internal/outbox"
	"github.com/matheus3301/port/internal/ports"
	"github.com/matheus3301/port/internal/status"
	"github.com/matheus3301/port/internal/store"
	intsync "github.com/matheus3301/port/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "port.v1.PortService"

// Method returns the full method path of name, e.g. "/port.v1.PortService/Status".
func Method(name string) string {
	return "/" + ServiceName + "/" + name
}

// Deps are the components the service drives.
type Deps struct {
	SessionName string
	DB          *store.DB
	Machine     *status.Machine
	Bus         *bus.Bus
	Ports       *ports.Manager
	Consumer    *ports.Consumer
	Handshake   *handshake.Protocol
	Sender      *outbox.Sender
	Engine      *intsync.Engine
	Reconciler  *intsync.Reconciler
	Media       *media.Service
	Backup      *backup.Service
	Wiper       *account.Wiper
	Logger      *zap.Logger
}

// Service implements port.v1.PortService.
type Service struct {
	Deps
	startedAt time.Time
}

// New creates the service.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{Deps: d, startedAt: time.Now()}
}

// PortServiceServer is the handler type registered with grpc.
type PortServiceServer interface {
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error
}

type handler func(s *Service, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(name string, h handler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			call := func(ctx context.Context, req any) (any, error) {
				out, err := h(s, ctx, req.(*structpb.Struct))
				if err != nil {
					return nil, s.toStatus(name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Method(name)}
			return interceptor(ctx, in, info, call)
		},
	}
}

// WatchEventsStream describes the server stream for clients.
var WatchEventsStream = grpc.StreamDesc{
	StreamName:    "WatchEvents",
	ServerStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return srv.(*Service).WatchEvents(in, stream)
	},
}

// ServiceDesc describes port.v1.PortService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PortServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreatePort", (*Service).CreatePort),
		unary("ConsumePort", (*Service).ConsumePort),
		unary("PausePort", (*Service).PausePort),
		unary("ResumePort", (*Service).ResumePort),
		unary("ListPorts", (*Service).ListPorts),
		unary("PauseContactPort", (*Service).PauseContactPort),
		unary("ResumeContactPort", (*Service).ResumeContactPort),
		unary("ShareContactPort", (*Service).ShareContactPort),
		unary("SendMessage", (*Service).SendMessage),
		unary("SendFile", (*Service).SendFile),
		unary("CancelUpload", (*Service).CancelUpload),
		unary("DownloadMedia", (*Service).DownloadMedia),
		unary("ListMessages", (*Service).ListMessages),
		unary("React", (*Service).React),
		unary("DeleteMessage", (*Service).DeleteMessage),
		unary("MarkRead", (*Service).MarkRead),
		unary("GetConnection", (*Service).GetConnection),
		unary("ListConnections", (*Service).ListConnections),
		unary("ListConnectionsByFolder", (*Service).ListConnectionsByFolder),
		unary("MoveConnection", (*Service).MoveConnection),
		unary("Disconnect", (*Service).Disconnect),
		unary("AddFolder", (*Service).AddFolder),
		unary("ListFolders", (*Service).ListFolders),
		unary("DeleteFolder", (*Service).DeleteFolder),
		unary("GetChatPermissions", (*Service).GetChatPermissions),
		unary("UpdateChatPermissions", (*Service).UpdateChatPermissions),
		unary("UpdateFolderPermissions", (*Service).UpdateFolderPermissions),
		unary("ApplyFolderPermissions", (*Service).ApplyFolderPermissions),
		unary("ListPermissionPresets", (*Service).ListPermissionPresets),
		unary("AddPermissionPreset", (*Service).AddPermissionPreset),
		unary("UpdatePermissionPreset", (*Service).UpdatePermissionPreset),
		unary("DeletePermissionPreset", (*Service).DeletePermissionPreset),
		unary("ListGroupMembers", (*Service).ListGroupMembers),
		unary("Reconcile", (*Service).Reconcile),
		unary("Status", (*Service).Status),
		unary("ExportBackup", (*Service).ExportBackup),
		unary("ImportBackup", (*Service).ImportBackup),
		unary("WipeAccount", (*Service).WipeAccount),
	},
	Streams:  []grpc.StreamDesc{WatchEventsStream},
	Metadata: "port/v1/port.proto",
}

// Register adds the service to srv.
func (s *Service) Register(srv *grpc.Server) {
	srv.RegisterService(&ServiceDesc, s)
}

// toStatus maps domain errors to gRPC codes. Errors that already carry a
// status pass through.
func (s *Service) toStatus(method string, err error) error {
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ports.ErrPortNotFound),
		errors.Is(err, ports.ErrChatNotFound),
		errors.Is(err, ports.ErrFolderNotFound),
		errors.Is(err, ports.ErrContactPortNotFound),
		errors.Is(err, outbox.ErrChatNotFound):
		code = codes.NotFound
	case errors.Is(err, media.ErrTooLarge),
		errors.Is(err, backup.ErrVersion):
		code = codes.InvalidArgument
	case errors.Is(err, store.ErrReplyNotFound),
		errors.Is(err, store.ErrDefaultFolder),
		errors.Is(err, store.ErrDefaultPreset),
		errors.Is(err, store.ErrPortPaused),
		errors.Is(err, outbox.ErrDisconnected),
		errors.Is(err, handshake.ErrInvalidTransition),
		errors.Is(err, ports.ErrNotDirect),
		errors.Is(err, ports.ErrContactPortPaused),
		errors.Is(err, ports.ErrContactSharingOff),
		errors.Is(err, media.ErrInFlight),
		errors.Is(err, media.ErrCanceled):
		code = codes.FailedPrecondition
	case errors.Is(err, store.ErrSchemaNotReady):
		code = codes.Unavailable
	}
	if code == codes.Internal {
		s.Logger.Error("request failed", zap.String("method", method), zap.Error(err))
	}
	return grpcstatus.Error(code, err.Error())
}

func invalidArgument(format string, args ...any) error {
	return grpcstatus.Errorf(codes.InvalidArgument, format, args...)
}

func notFound(format string, args ...any) error {
	return grpcstatus.Errorf(codes.NotFound, format, args...)
}

func failedPrecondition(format string, args ...any) error {
	return grpcstatus.Errorf(codes.FailedPrecondition, format, args...)
}
