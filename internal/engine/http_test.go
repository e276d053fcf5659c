package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngineServer(t *testing.T, handler http.HandlerFunc) *HTTP {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	eng, err := NewHTTP(srv.URL, Config{InstanceName: "test", ConfigID: 42})
	require.NoError(t, err)
	return eng
}

func TestHTTPFetchEntity(t *testing.T) {
	eng := newEngineServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/entities/7", r.URL.Path)
		assert.Equal(t, "test", r.Header.Get("X-Instance-Name"))
		assert.Equal(t, "42", r.Header.Get("X-Config-ID"))
		w.Write([]byte(`{
			"RESOLVED_ENTITY": {
				"ENTITY_ID": 7,
				"ENTITY_NAME": "Jane Doe",
				"RECORDS": [{"DATA_SOURCE": "CUSTOMERS", "RECORD_ID": "R1"}]
			}
		}`))
	})

	view, err := eng.FetchEntity(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), view.EntityID)
	assert.Equal(t, "Jane Doe", view.EntityName)
	require.Len(t, view.Records, 1)
}

func TestHTTPFetchEntityNotFound(t *testing.T) {
	eng := newEngineServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	_, err := eng.FetchEntity(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPFetchEntityServerErrorIsUnavailable(t *testing.T) {
	eng := newEngineServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	_, err := eng.FetchEntity(context.Background(), 7)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPConnectionRefusedIsUnavailable(t *testing.T) {
	eng, err := NewHTTP("http://127.0.0.1:1", Config{})
	require.NoError(t, err)
	_, err = eng.FetchEntity(context.Background(), 7)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPVersion(t *testing.T) {
	eng := newEngineServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/version", r.URL.Path)
		w.Write([]byte(`{"NAME": "core", "VERSION": "4.1.0", "BUILD_NUMBER": "2026_08_01"}`))
	})
	info, err := eng.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "core", info.Name)
	assert.Equal(t, "4.1.0", info.Version)
}

func TestHTTPRejectsBadBaseURL(t *testing.T) {
	_, err := NewHTTP("ftp://example.com", Config{})
	assert.Error(t, err)
	_, err = NewHTTP("", Config{})
	assert.Error(t, err)
}
