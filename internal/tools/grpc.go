package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// TrackingGetStatusMethod is the full method name of the tracking lookup RPC.
const TrackingGetStatusMethod = "/tracking.v1.TrackingService/GetStatus"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCBackendConfig holds connection settings for the tracking service.
type GRPCBackendConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCBackendConfig returns connection defaults for addr.
func DefaultGRPCBackendConfig(addr string) GRPCBackendConfig {
	return GRPCBackendConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCBackend queries a remote tracking service. Requests and responses are
// google.protobuf.Struct messages so no generated stubs are needed.
type GRPCBackend struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPCBackend dials the tracking service and waits until the connection
// is ready.
func NewGRPCBackend(cfg GRPCBackendConfig, logger *slog.Logger) (*GRPCBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tracking service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("tracking service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to tracking service", "address", cfg.Address)
	return &GRPCBackend{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Lookup implements TrackingBackend.
func (b *GRPCBackend) Lookup(ctx context.Context, deliveryNumber string) (*TrackingStatus, error) {
	req, err := structpb.NewStruct(map[string]any{"delivery_number": deliveryNumber})
	if err != nil {
		return nil, fmt.Errorf("build tracking request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, TrackingGetStatusMethod, req, resp); err != nil {
		return nil, classifyRPCError(err)
	}
	return statusFromStruct(deliveryNumber, resp)
}

// Ready reports whether the connection is usable.
func (b *GRPCBackend) Ready() bool {
	s := b.conn.GetState()
	return s == connectivity.Ready || s == connectivity.Idle
}

// Close closes the connection.
func (b *GRPCBackend) Close() {
	if err := b.conn.Close(); err != nil {
		b.logger.Warn("failed to close gRPC connection", "error", err)
	}
}

func classifyRPCError(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %v", ErrShipmentNotFound, err)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented:
		return fmt.Errorf("%w: %v", errBackendPermanent, err)
	default:
		return fmt.Errorf("tracking rpc: %w", err)
	}
}

func statusFromStruct(deliveryNumber string, s *structpb.Struct) (*TrackingStatus, error) {
	fields := s.GetFields()
	out := &TrackingStatus{
		DeliveryNumber: deliveryNumber,
		Status:         fields["status"].GetStringValue(),
		Location:       fields["location"].GetStringValue(),
		UpdatedAt:      time.Now().UTC(),
	}
	if out.Status == "" {
		return nil, fmt.Errorf("%w: response has no status", errBackendPermanent)
	}
	if v := fields["delivery_number"].GetStringValue(); v != "" {
		out.DeliveryNumber = v
	}
	if v := fields["estimated_delivery"].GetStringValue(); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			out.EstimatedDelivery = t
		}
	}
	if v := fields["updated_at"].GetStringValue(); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			out.UpdatedAt = t
		}
	}
	return out, nil
}
