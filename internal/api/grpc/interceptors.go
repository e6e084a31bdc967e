package grpcapi

import (
	"context"

	"github.com/KevinKickass/OpenAcqCore/internal/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var methodPermissions = map[string]auth.Permission{
	ListDevicesMethod:   auth.PermOperator,
	ChangeBindingMethod: auth.PermAdmin,
	StreamEventsMethod:  auth.PermOperator,
}

func authorize(ctx context.Context, svc *auth.AuthService, method string) error {
	if !svc.Enabled() {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	token, ok := auth.BearerToken(vals[0])
	if !ok {
		return status.Error(codes.Unauthenticated, "invalid authorization header format")
	}
	_, perms, err := svc.ValidateToken(token)
	if err != nil {
		return status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	required, ok := methodPermissions[method]
	if !ok {
		required = auth.PermAdmin
	}
	if !auth.HasPermission(perms, required) {
		return status.Errorf(codes.PermissionDenied, "insufficient permissions: %s required", required)
	}
	return nil
}

// UnaryAuthInterceptor checks the bearer token of unary calls.
func UnaryAuthInterceptor(svc *auth.AuthService, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if err := authorize(ctx, svc, info.FullMethod); err != nil {
			logger.Debug("gRPC call rejected", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor checks the bearer token of streaming calls.
func StreamAuthInterceptor(svc *auth.AuthService, logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := authorize(ss.Context(), svc, info.FullMethod); err != nil {
			logger.Debug("gRPC stream rejected", zap.String("method", info.FullMethod), zap.Error(err))
			return err
		}
		return handler(srv, ss)
	}
}

// NewGRPCServer builds a grpc.Server with the admin service and the auth
// interceptors.
func NewGRPCServer(admin AdminServer, svc *auth.AuthService, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(svc, logger)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(svc, logger)),
	)
	s := grpc.NewServer(opts...)
	RegisterAdminServer(s, admin)
	return s
}
