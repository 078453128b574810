package tools

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// startTrackingServer serves GetStatus through an unknown-service handler
// speaking google.protobuf.Struct.
func startTrackingServer(t *testing.T) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != TrackingGetStatusMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}

		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		number := req.GetFields()["delivery_number"].GetStringValue()
		if number == "ZZ0000000000" {
			return status.Error(codes.NotFound, "no such shipment")
		}

		resp, err := structpb.NewStruct(map[string]any{
			"status":             "in_transit",
			"location":           "Leipzig hub",
			"estimated_delivery": "2025-06-03T00:00:00Z",
		})
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return lis.Addr().String()
}

func TestGRPCBackendLookup(t *testing.T) {
	t.Parallel()
	addr := startTrackingServer(t)

	b, err := NewGRPCBackend(DefaultGRPCBackendConfig(addr), nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := b.Lookup(ctx, "AB1234567890")
	require.NoError(t, err)
	assert.Equal(t, "AB1234567890", got.DeliveryNumber)
	assert.Equal(t, "in_transit", got.Status)
	assert.Equal(t, "Leipzig hub", got.Location)
	assert.Equal(t, time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC), got.EstimatedDelivery)
	assert.True(t, b.Ready())

	_, err = b.Lookup(ctx, "ZZ0000000000")
	require.ErrorIs(t, err, ErrShipmentNotFound)
}

func TestNewGRPCBackendFailsFast(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	cfg := DefaultGRPCBackendConfig(addr)
	cfg.ConnectTimeout = 300 * time.Millisecond
	_, err = NewGRPCBackend(cfg, nil)
	require.Error(t, err)
}

func TestClassifyRPCError(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, classifyRPCError(status.Error(codes.NotFound, "x")), ErrShipmentNotFound)
	assert.ErrorIs(t, classifyRPCError(status.Error(codes.InvalidArgument, "x")), ErrInvalidParameter)
	assert.ErrorIs(t, classifyRPCError(status.Error(codes.Unimplemented, "x")), errBackendPermanent)
	assert.True(t, retryableLookup(classifyRPCError(status.Error(codes.Unavailable, "x"))))
}
