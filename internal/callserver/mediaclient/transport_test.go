package mediaclient

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// startMediaServer runs an in-memory media server that echoes the method
// name and request back.
func startMediaServer(t *testing.T) (*GRPCTransport, *health.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		name := method[strings.LastIndex(method, "/")+1:]
		if name == "Fail" {
			return status.Error(codes.Unavailable, "media server overloaded")
		}
		out, err := structpb.NewStruct(map[string]any{
			"method":     name,
			"session_id": "ms-" + in.GetFields()["call_sid"].GetStringValue(),
		})
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	tr, err := NewGRPCTransport(GRPCConfig{
		Address: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, hs
}

func TestGRPCTransportCall(t *testing.T) {
	tr, _ := startMediaServer(t)

	resp, err := tr.Call(context.Background(), MethodCreateSession, map[string]any{"call_sid": "CA1"})
	require.NoError(t, err)
	assert.Equal(t, MethodCreateSession, resp["method"])
	assert.Equal(t, "ms-CA1", stringField(resp, "session_id"))
}

func TestGRPCTransportCallError(t *testing.T) {
	tr, _ := startMediaServer(t)

	_, err := tr.Call(context.Background(), "Fail", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPCTransportReady(t *testing.T) {
	tr, hs := startMediaServer(t)
	assert.True(t, tr.Ready(context.Background()))

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	assert.False(t, tr.Ready(context.Background()))
}
