package fetch_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/fetch"
)

func TestFetch_StreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "FileFlow/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "payload")
	}))
	defer srv.Close()

	f := fetch.NewHTTPFetcher(fetch.Config{}, zap.NewNop())
	resp, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, int64(7), resp.ContentLength)
	assert.Equal(t, "text/plain", resp.ContentType)
}

func TestFetch_StatusError(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		f := fetch.NewHTTPFetcher(fetch.Config{}, zap.NewNop())
		_, err := f.Fetch(context.Background(), srv.URL)
		srv.Close()

		var se *fetch.StatusError
		require.True(t, errors.As(err, &se), "status %d", code)
		assert.Equal(t, code, se.StatusCode)
		assert.Equal(t, code >= 500, se.ServerError())
		assert.Equal(t, code < 500, se.ClientError())
	}
}

func TestFetch_HeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	f := fetch.NewHTTPFetcher(fetch.Config{ResponseHeaderTimeout: 20 * time.Millisecond}, zap.NewNop())
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	var se *fetch.StatusError
	assert.False(t, errors.As(err, &se), "transport errors are not status errors")
}
