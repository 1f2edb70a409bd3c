package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The ingest service carries google.protobuf.Struct messages in both
// directions, so it needs no generated code. Request fields:
//
//	stream_id  string, required
//	payload    any JSON value, required
//	timestamp  number, Unix milliseconds, optional
const (
	ServiceName         = "pulseboard.ingest.v1.IngestService"
	publishMethod       = "/" + ServiceName + "/Publish"
	publishStreamMethod = "/" + ServiceName + "/PublishStream"
)

// IngestServer is the server API of the ingest service.
type IngestServer interface {
	// Publish fans out one message and reports {delivered}.
	Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

	// PublishStream accepts messages until the client closes its side, then
	// reports {accepted, rejected, delivered}.
	PublishStream(stream grpc.ClientStreamingServer[structpb.Struct, structpb.Struct]) error
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "PublishStream", Handler: publishStreamHandler, ClientStreams: true},
	},
	Metadata: "pulseboard/ingest/v1/ingest.proto",
}

// RegisterIngestServer registers srv on s.
func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&ingestServiceDesc, srv)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngestServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func publishStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(IngestServer).PublishStream(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// IngestClient calls the ingest service. Producers written in Go (and the
// seed command) use it; other languages can build a client from the
// service name and google.protobuf.Struct.
type IngestClient struct {
	cc grpc.ClientConnInterface
}

// NewIngestClient returns a client bound to cc.
func NewIngestClient(cc grpc.ClientConnInterface) *IngestClient {
	return &IngestClient{cc: cc}
}

// Publish sends one message.
func (c *IngestClient) Publish(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, publishMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// PublishStream opens a client stream. Call CloseAndRecv for the summary.
func (c *IngestClient) PublishStream(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[structpb.Struct, structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ingestServiceDesc.Streams[0], publishStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}
