package grpc

import (
	"context"
	"log"
	"strings"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/louisbranch/formation/internal/platform/id"
	"github.com/louisbranch/formation/internal/platform/requestctx"
)

// isPrintableASCII keeps control characters out of logs and the journal.
func isPrintableASCII(value string) bool {
	if value == "" {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < 0x20 || value[i] > 0x7e {
			return false
		}
	}
	return true
}

func firstMetadataValue(md metadata.MD, key string) string {
	for _, value := range md.Get(key) {
		if isPrintableASCII(value) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// RequestContextInterceptor copies the actor and request ids from incoming
// metadata into the context, generating a request id when absent, and
// echoes the request id in the response header.
func RequestContextInterceptor(idGenerator func() (string, error)) gogrpc.UnaryServerInterceptor {
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	return func(ctx context.Context, req any, info *gogrpc.UnaryServerInfo, handler gogrpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		requestID := firstMetadataValue(md, requestctx.RequestIDMetadataKey)
		if requestID == "" {
			generated, err := idGenerator()
			if err != nil {
				return nil, status.Errorf(codes.Internal, "generate request id: %v", err)
			}
			requestID = generated
		}
		ctx = requestctx.WithRequestID(ctx, requestID)
		if actorID := firstMetadataValue(md, requestctx.ActorIDMetadataKey); actorID != "" {
			ctx = requestctx.WithActorID(ctx, actorID)
		}
		if err := gogrpc.SetHeader(ctx, metadata.Pairs(requestctx.RequestIDMetadataKey, requestID)); err != nil {
			return nil, status.Errorf(codes.Internal, "set response metadata: %v", err)
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs each call with its outcome code.
func LoggingInterceptor(logf func(string, ...any)) gogrpc.UnaryServerInterceptor {
	if logf == nil {
		logf = log.Printf
	}
	return func(ctx context.Context, req any, info *gogrpc.UnaryServerInfo, handler gogrpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		logf("grpc method=%s code=%s request_id=%s actor=%s duration=%s",
			info.FullMethod, status.Code(err), requestctx.RequestIDFromContext(ctx),
			requestctx.ActorIDFromContext(ctx), time.Since(started).Round(time.Microsecond))
		return resp, err
	}
}
