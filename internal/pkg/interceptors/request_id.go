package interceptors

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/interceptors/constants"
)

// WithIDs stores the request id and idempotency key in ctx. The client
// interceptor forwards them as metadata.
func WithIDs(ctx context.Context, requestID, idempotencyKey string) context.Context {
	ctx = context.WithValue(ctx, constants.ContextKeyRequestID, requestID)
	return context.WithValue(ctx, constants.ContextKeyIdempotencyKey, idempotencyKey)
}

// RequestID returns the request id carried by ctx, or "unknown".
func RequestID(ctx context.Context) string {
	if id := GetMetadataValue(ctx, constants.HeaderXRequestId); id != "" {
		return id
	}
	return "unknown"
}

// IdempotencyKey returns the idempotency key carried by ctx, or "".
func IdempotencyKey(ctx context.Context) string {
	return GetMetadataValue(ctx, constants.HeaderXIdempotencyKey)
}

// UnaryServerInterceptor copies x-request-id and x-idempotency-key from the
// incoming metadata into the context and logs the call.
func UnaryServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		requestID := RequestID(ctx)
		idempotencyKey := IdempotencyKey(ctx)
		newCtx := WithIDs(ctx, requestID, idempotencyKey)

		logger.DebugContext(newCtx, "grpc call",
			slog.String("method", info.FullMethod),
			slog.String("request_id", requestID),
			slog.String("idempotency_key", idempotencyKey),
		)
		return handler(newCtx, req)
	}
}

// UnaryClientInterceptor propagates the ids stored by WithIDs.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(ContextWithPropagatedID(ctx), method, req, reply, cc, opts...)
	}
}

func ContextWithPropagatedID(ctx context.Context) context.Context {
	pairs := make([]string, 0, 4)
	if id, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && id != "" {
		pairs = append(pairs, constants.HeaderXRequestId, id)
	}
	if key, ok := ctx.Value(constants.ContextKeyIdempotencyKey).(string); ok && key != "" {
		pairs = append(pairs, constants.HeaderXIdempotencyKey, key)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// GetMetadataValue looks key up in the context values, then the incoming
// and outgoing metadata.
func GetMetadataValue(ctx context.Context, key string) string {
	if id, ok := ctx.Value(constants.ContextKey(key)).(string); ok && id != "" {
		return id
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}

	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}
