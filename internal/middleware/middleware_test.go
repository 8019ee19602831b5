package middleware_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/FileFlow/internal/middleware"
)

func okHandler(ctx context.Context, req any) (any, error) { return "ok", nil }

func withKey(key string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("api-key", key))
}

func TestAPIKeyAuth(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"ops-key"}, "grpc.health.v1.Health").Unary()
	admin := &grpc.UnaryServerInfo{FullMethod: "/fileflow.admin.v1.Admin/Pause"}

	tests := []struct {
		name string
		ctx  context.Context
		info *grpc.UnaryServerInfo
		code codes.Code
	}{
		{"valid key", withKey("ops-key"), admin, codes.OK},
		{"wrong key", withKey("nope"), admin, codes.Unauthenticated},
		{"no metadata", context.Background(), admin, codes.Unauthenticated},
		{"no key", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x", "y")), admin, codes.Unauthenticated},
		{"exempt service", context.Background(), &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := auth(tt.ctx, nil, tt.info, okHandler)
			assert.Equal(t, tt.code, status.Code(err))
			if tt.code == codes.OK {
				assert.Equal(t, "ok", resp)
			}
		})
	}
}

func TestAPIKeyAuthDisabledWithoutKeys(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{" "}).Unary()

	resp, err := auth(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/any/Method"}, okHandler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestUnaryLoggingInterceptor(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	interceptor := middleware.UnaryLoggingInterceptor(zap.New(core))
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}

	_, err := interceptor(withKey("k"), nil, info, okHandler)
	require.NoError(t, err)

	_, err = interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "missing")
	})
	require.Error(t, err)

	_, err = interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.Unavailable, "down")
	})
	require.Error(t, err)

	entries := logs.FilterMessage("unary RPC").All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.NotEmpty(t, entries[0].ContextMap()["request_id"])
}

func TestUnaryLoggingInterceptorKeepsRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	interceptor := middleware.UnaryLoggingInterceptor(zap.New(core))
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-request-id", "req-42"))

	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}, okHandler)
	require.NoError(t, err)
	assert.Equal(t, "req-42", logs.All()[0].ContextMap()["request_id"])
}

func TestUnaryRecoveryInterceptor(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	interceptor := middleware.UnaryRecoveryInterceptor(zap.New(core))

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Boom"}, func(ctx context.Context, req any) (any, error) {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Equal(t, 1, logs.FilterMessage("panic in RPC handler").Len())
}
