// Package grpc implements the ingest gRPC server that producers use to
// publish stream data without holding a WebSocket open.
//
// The server listens on a dedicated port (default: 9090) separate from the
// REST API port (8080). Producers authenticate with a shared token passed
// in gRPC metadata (see validateToken). The standard gRPC health service is
// registered alongside and needs no token.
package grpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pulseboard/pulseboard/internal/realtime"
)

// TokenMetadataKey is the metadata key carrying the shared ingest token.
const TokenMetadataKey = "ingest-token"

// Publisher fans a message out to subscribers. *realtime.Hub implements it.
type Publisher interface {
	Publish(ctx context.Context, id realtime.StreamID, payload json.RawMessage, ts time.Time) (int, error)
}

// Config holds the configuration for the gRPC server.
type Config struct {
	// IngestToken is the shared secret producers must send in the
	// "ingest-token" metadata key. If empty, authentication is disabled
	// (development mode only).
	IngestToken string
}

// Server is the gRPC ingest server.
type Server struct {
	publisher Publisher
	token     string
	health    *health.Server
	producers *Producers
	logger    *zap.Logger
}

// New creates a new Server instance with the given dependencies.
func New(cfg Config, publisher Publisher, logger *zap.Logger) *Server {
	return &Server{
		publisher: publisher,
		token:     cfg.IngestToken,
		health:    health.NewServer(),
		producers: NewProducers(logger),
		logger:    logger.Named("grpc"),
	}
}

// Producers returns the registry of open PublishStream calls.
func (s *Server) Producers() *Producers {
	return s.producers
}

// NewGRPCServer builds a *grpc.Server with the auth interceptors and both
// services registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.UnaryInterceptor(s.authUnaryInterceptor),
		grpc.StreamInterceptor(s.authStreamInterceptor),
	)
	gs := grpc.NewServer(opts...)
	RegisterIngestServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs
}

// ListenAndServe starts the gRPC server and blocks until the context is
// cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context, listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("grpc: failed to listen on %s: %w", listenAddr, err)
	}
	s.logger.Info("grpc server listening", zap.String("addr", listenAddr))
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then drains in-flight RPCs.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.NewGRPCServer()

	go func() {
		<-ctx.Done()
		s.logger.Info("grpc server shutting down gracefully")
		s.health.Shutdown()
		gs.GracefulStop()
	}()

	if err := gs.Serve(lis); err != nil {
		return fmt.Errorf("grpc: server error: %w", err)
	}
	return nil
}

// ─── Auth interceptors ────────────────────────────────────────────────────────

func (s *Server) authUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if !isHealthMethod(info.FullMethod) {
		if err := s.validateToken(ctx); err != nil {
			return nil, err
		}
	}
	return handler(ctx, req)
}

func (s *Server) authStreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if !isHealthMethod(info.FullMethod) {
		if err := s.validateToken(ss.Context()); err != nil {
			return err
		}
	}
	return handler(srv, ss)
}

func isHealthMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/"+healthpb.Health_ServiceDesc.ServiceName+"/")
}

// validateToken compares the "ingest-token" metadata value to the configured
// shared secret.
func (s *Server) validateToken(ctx context.Context) error {
	if s.token == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get(TokenMetadataKey)
	if len(values) == 0 || subtle.ConstantTimeCompare([]byte(values[0]), []byte(s.token)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid ingest token")
	}
	return nil
}

// ─── IngestService implementation ─────────────────────────────────────────────

// Publish implements IngestServer.
func (s *Server) Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.publish(ctx, in)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"delivered": structpb.NewNumberValue(float64(n)),
	}}, nil
}

// PublishStream implements IngestServer. A malformed message is counted as
// rejected and the stream continues; a closed hub ends the stream.
func (s *Server) PublishStream(stream grpc.ClientStreamingServer[structpb.Struct, structpb.Struct]) error {
	ctx := stream.Context()
	var accepted, rejected, delivered int

	var addr string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr = p.Addr.String()
	}
	producer := s.producers.register(addr)
	defer s.producers.deregister(producer.ID)

	for {
		in, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		n, err := s.publish(ctx, in)
		if err != nil {
			if status.Code(err) == codes.InvalidArgument {
				rejected++
				continue
			}
			return err
		}
		accepted++
		producer.accepted.Add(1)
		delivered += n
	}

	s.logger.Debug("publish stream finished",
		zap.String("producer_id", producer.ID),
		zap.Int("accepted", accepted),
		zap.Int("rejected", rejected),
		zap.Int("delivered", delivered),
	)
	return stream.SendAndClose(&structpb.Struct{Fields: map[string]*structpb.Value{
		"accepted":  structpb.NewNumberValue(float64(accepted)),
		"rejected":  structpb.NewNumberValue(float64(rejected)),
		"delivered": structpb.NewNumberValue(float64(delivered)),
	}})
}

func (s *Server) publish(ctx context.Context, in *structpb.Struct) (int, error) {
	id, payload, ts, err := decodePublish(in)
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}

	n, err := s.publisher.Publish(ctx, id, payload, ts)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, realtime.ErrInvalidStream):
		return 0, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, realtime.ErrHubClosed):
		return 0, status.Error(codes.Unavailable, "server is shutting down")
	default:
		s.logger.Error("publish failed", zap.String("stream_id", string(id)), zap.Error(err))
		return 0, status.Error(codes.Internal, "publish failed")
	}
}

// decodePublish reads stream_id, payload and timestamp from a request.
func decodePublish(in *structpb.Struct) (realtime.StreamID, json.RawMessage, time.Time, error) {
	fields := in.GetFields()

	idVal, ok := fields["stream_id"]
	if !ok {
		return "", nil, time.Time{}, errors.New("stream_id is required")
	}
	if _, isString := idVal.GetKind().(*structpb.Value_StringValue); !isString {
		return "", nil, time.Time{}, errors.New("stream_id must be a string")
	}

	payloadVal, ok := fields["payload"]
	if !ok {
		return "", nil, time.Time{}, errors.New("payload is required")
	}
	payload, err := json.Marshal(payloadVal.AsInterface())
	if err != nil {
		return "", nil, time.Time{}, fmt.Errorf("payload: %w", err)
	}

	var ts time.Time
	if tsVal, ok := fields["timestamp"]; ok {
		if _, isNumber := tsVal.GetKind().(*structpb.Value_NumberValue); !isNumber {
			return "", nil, time.Time{}, errors.New("timestamp must be a number of milliseconds")
		}
		if ms := int64(tsVal.GetNumberValue()); ms > 0 {
			ts = time.UnixMilli(ms)
		}
	}

	return realtime.StreamID(idVal.GetStringValue()), payload, ts, nil
}
