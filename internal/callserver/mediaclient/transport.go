// Package mediaclient talks to a pool of media servers over gRPC and
// exposes their sessions and endpoints as call resources.
package mediaclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service implemented by media servers.
const ServiceName = "callserver.media.v1.MediaService"

// RPC method names.
const (
	MethodCreateSession  = "CreateSession"
	MethodDestroySession = "DestroySession"
	MethodCreateEndpoint = "CreateEndpoint"
	MethodModifyEndpoint = "ModifyEndpoint"
	MethodDestroyEndpt   = "DestroyEndpoint"
	MethodPlay           = "Play"
	MethodSay            = "Say"
	MethodMute           = "Mute"
	MethodFork           = "Fork"
	MethodBridge         = "Bridge"
	MethodUnbridge       = "Unbridge"
)

// Transport carries media RPCs to one media server.
type Transport interface {
	// Call invokes method with req and returns the response fields.
	Call(ctx context.Context, method string, req map[string]any) (map[string]any, error)
	Ready(ctx context.Context) bool
	Close() error
}

// GRPCConfig holds gRPC client configuration.
type GRPCConfig struct {
	Address           string
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGRPCConfig returns sensible defaults.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Address:           "localhost:9090",
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	}
}

// GRPCTransport implements Transport over a gRPC client connection. Request
// and response messages are protobuf Structs.
type GRPCTransport struct {
	address string
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
}

// NewGRPCTransport creates a client for the media server at cfg.Address.
// The connection is established lazily.
func NewGRPCTransport(cfg GRPCConfig) (*GRPCTransport, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create media client for %s: %w", cfg.Address, err)
	}
	slog.Info("[Media] Client created", "address", cfg.Address)
	return &GRPCTransport{
		address: cfg.Address,
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
	}, nil
}

// Call implements Transport.
func (t *GRPCTransport) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := t.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, fmt.Errorf("%s RPC failed: %w", method, err)
	}
	return out.AsMap(), nil
}

// Ready reports whether the media service answers health checks as serving.
func (t *GRPCTransport) Ready(ctx context.Context) bool {
	resp, err := t.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
