package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/PaulBabatuyi/FileFlow/internal/notify"
)

func TestWebhook_PostsJSON(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := notify.NewHTTPWebhookSender(time.Second, zap.NewNop())
	require.NoError(t, s.Send(context.Background(), srv.URL, map[string]string{"status": "COMPLETED"}))
	assert.Equal(t, "COMPLETED", got["status"])
}

func TestWebhook_Classification(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusGone:                true,
		http.StatusInternalServerError: false,
		http.StatusBadGateway:          false,
	}
	for code, permanent := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		err := notify.NewHTTPWebhookSender(time.Second, zap.NewNop()).Send(context.Background(), srv.URL, struct{}{})
		srv.Close()

		var de *notify.DeliveryError
		require.True(t, errors.As(err, &de), "status %d", code)
		assert.Equal(t, permanent, de.Permanent(), "status %d", code)
	}
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := notify.NewLogPublisher(zap.New(core))

	require.NoError(t, p.Publish(context.Background(), notify.Message{Key: "s-1", Name: "upload.completed", Value: []byte(`{}`)}))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "event published", entry.Message)
	assert.Equal(t, "upload.completed", entry.ContextMap()["event"])
}
