package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client connects to a Feed server and populates a local LiveModel,
// providing an automatic mirror of the server-side model.
type Client struct {
	addr  string
	token string
	model *LiveModel
	opts  []grpc.DialOption
	log   *slog.Logger
}

// NewClient creates a client targeting the given gRPC address. Extra dial
// options are appended after the insecure transport default.
func NewClient(addr, token string, model *LiveModel, log *slog.Logger, opts ...grpc.DialOption) *Client {
	return &Client{addr: addr, token: token, model: model, opts: opts, log: log}
}

// Sync connects to the feed and streams positions into the local model,
// calling onPosition (if set) for each one. It blocks until ctx is cancelled
// or the stream ends.
func (c *Client) Sync(ctx context.Context, req WatchRequest, onPosition func(Position)) error {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, c.opts...)
	conn, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	stream, err := conn.NewStream(ctx, &feedServiceDesc.Streams[0], WatchMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	// io.EOF means the server already ended the stream; RecvMsg reports why.
	if err := stream.SendMsg(&req); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("sending watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to position feed", "addr", c.addr, "order", req.OrderID)

	for {
		var pos Position
		err := stream.RecvMsg(&pos)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving position: %w", err)
		}
		c.model.Update(pos)
		if onPosition != nil {
			onPosition(pos)
		}
	}
}
