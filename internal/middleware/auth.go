package middleware

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const apiKeyHeader = "api-key"

// APIKeyAuth validates the api-key metadata header against a fixed key set.
// With no keys configured every call is let through.
type APIKeyAuth struct {
	keys   map[string]struct{}
	exempt []string
}

// NewAPIKeyAuth builds the interceptor pair. Calls to any service in exemptServices
// (for example the health service) skip the check.
func NewAPIKeyAuth(keys []string, exemptServices ...string) *APIKeyAuth {
	a := &APIKeyAuth{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys[k] = struct{}{}
		}
	}
	for _, svc := range exemptServices {
		a.exempt = append(a.exempt, "/"+svc+"/")
	}
	return a
}

func (a *APIKeyAuth) authorize(ctx context.Context, fullMethod string) error {
	if len(a.keys) == 0 {
		return nil
	}
	for _, prefix := range a.exempt {
		if strings.HasPrefix(fullMethod, prefix) {
			return nil
		}
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	apiKeys := md.Get(apiKeyHeader)
	if len(apiKeys) == 0 {
		return status.Error(codes.Unauthenticated, "missing api-key")
	}
	if _, ok := a.keys[apiKeys[0]]; !ok {
		return status.Error(codes.Unauthenticated, "invalid api-key")
	}
	return nil
}

func (a *APIKeyAuth) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := a.authorize(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *APIKeyAuth) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := a.authorize(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
