package grpcx

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/md-rashed-zaman/fieldops/libs/httpx"
)

// RequestIDMetadataKey carries the request id over gRPC metadata. Lowercase per gRPC
// metadata conventions.
const RequestIDMetadataKey = "x-request-id"

// RequestIDFromContext reads the id stored by either transport; gRPC and HTTP share one
// context key so an id accepted at the edge follows the call through both.
func RequestIDFromContext(ctx context.Context) string {
	return httpx.RequestIDFromContext(ctx)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return httpx.ContextWithRequestID(ctx, id)
}

// incomingRequestID returns the first valid id in the incoming metadata, or "".
func incomingRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(RequestIDMetadataKey) {
		if httpx.ValidRequestID(v) {
			return v
		}
	}
	return ""
}
