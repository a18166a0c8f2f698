package origin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cvfs/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginAdapter_StatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repo/data/aa/ok":
			w.Write([]byte("compressed bytes"))
		case "/repo/data/aa/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/repo/data/aa/forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a, err := NewAdapter(Config{BaseURL: srv.URL + "/repo/"})
	require.NoError(t, err)
	ctx := context.Background()

	// 1. 200
	rc, err := a.Get(ctx, "data/aa/ok")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "compressed bytes", string(body))

	// 2. 404 -> ErrNotFound
	_, err = a.Get(ctx, "data/aa/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// 3. 503 -> 可重试的 StatusError
	_, err = a.Get(ctx, "data/aa/busy")
	var se *storage.StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Transient())

	// 4. 403 -> 不可重试
	_, err = a.Get(ctx, "data/aa/forbidden")
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Transient())
}

func TestOriginAdapter_ReadIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		// 之后一直不发数据，直到测试结束
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a, err := NewAdapter(Config{BaseURL: srv.URL, ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	rc, err := a.Get(context.Background(), "data/aa/slow")
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, storage.ErrTimeout)
}

func TestNewAdapter_Validation(t *testing.T) {
	_, err := NewAdapter(Config{})
	assert.Error(t, err)

	_, err = NewAdapter(Config{BaseURL: "ftp://example.org"})
	assert.Error(t, err)
}
