package grpcserver

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const metadataKeyAuthorization = "authorization"

// healthMethodPrefix is exempt from auth so probes work without a key.
const healthMethodPrefix = "/grpc.health.v1.Health/"

// AuthUnaryInterceptor returns a gRPC unary interceptor that validates the API key
// from the "authorization" metadata (Bearer <key>) using auth.Service.
func AuthUnaryInterceptor(authService *auth.Service) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		vals := md.Get(metadataKeyAuthorization)
		if len(vals) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization")
		}
		apiKey, err := auth.BearerToken(vals[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if err := authService.ValidateAPIKey(apiKey); err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}
		ctx = context.WithValue(ctx, auth.AuthenticatedKey, true)
		return handler(ctx, req)
	}
}

// LoggingUnaryInterceptor logs every unary call with its duration and status code.
func LoggingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		event := log.Debug()
		if err != nil && code != codes.NotFound {
			event = log.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("elapsed", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}
