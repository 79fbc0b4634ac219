package live

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"quickcommerce/internal/domain"
)

// FeedServiceName is the fully-qualified gRPC service name.
const FeedServiceName = "quickcommerce.live.Feed"

// WatchMethod is the full method path of the Watch stream.
const WatchMethod = "/" + FeedServiceName + "/Watch"

// WatchRequest selects which positions a watcher receives. An empty
// OrderID streams every partner.
type WatchRequest struct {
	OrderID string `json:"orderId,omitempty"`
}

// FeedServer is the server API of the Feed service.
type FeedServer interface {
	Watch(req *WatchRequest, stream grpc.ServerStream) error
}

var feedServiceDesc = grpc.ServiceDesc{
	ServiceName: FeedServiceName,
	HandlerType: (*FeedServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "quickcommerce/live/feed",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FeedServer).Watch(req, stream)
}

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.Identity, error)
}

// Server implements the Feed gRPC service.
type Server struct {
	model   *LiveModel
	auth    Authenticator
	bufSize int
	log     *slog.Logger
}

// NewServer creates a gRPC server backed by the given LiveModel. When auth
// is non-nil every watcher must present an admin bearer token in the
// "authorization" metadata.
func NewServer(model *LiveModel, auth Authenticator, bufSize int, log *slog.Logger) *Server {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Server{model: model, auth: auth, bufSize: bufSize, log: log}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&feedServiceDesc, s)
}

// Watch sends a snapshot of the latest positions, then streams updates as
// they arrive. The stream ends when the client disconnects.
func (s *Server) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	if err := s.authorize(ctx); err != nil {
		return err
	}

	// Subscribe before the snapshot so nothing falls between the two.
	subID, ch := s.model.Subscribe(s.bufSize)
	defer s.model.Unsubscribe(subID)

	for _, pos := range s.model.Snapshot(req.OrderID) {
		if err := stream.SendMsg(&pos); err != nil {
			return err
		}
	}

	s.log.Info("feed watcher subscribed", "subID", subID, "order", req.OrderID)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("feed watcher disconnected", "subID", subID)
			return nil
		case pos, ok := <-ch:
			if !ok {
				return nil
			}
			if req.OrderID != "" && pos.OrderID != req.OrderID {
				continue
			}
			if err := stream.SendMsg(&pos); err != nil {
				return err
			}
		}
	}
}

func (s *Server) authorize(ctx context.Context) error {
	if s.auth == nil {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var token string
	if vals := md.Get("authorization"); len(vals) > 0 {
		token = strings.TrimSpace(strings.TrimPrefix(vals[0], "Bearer "))
	}
	id, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if id.Role != domain.RoleAdmin {
		return status.Error(codes.PermissionDenied, "feed requires role admin")
	}
	return nil
}
