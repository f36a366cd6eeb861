package resolve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAcceptRangesResumable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "5000")
	}))
	defer srv.Close()

	probe, err := Check(context.Background(), srv.Client(), srv.URL, nil, 1024)
	require.NoError(t, err)
	assert.True(t, probe.Resumable)
	assert.Equal(t, int64(5000), probe.Size)
}

func TestCheckSmallUnresumableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
	}))
	defer srv.Close()

	probe, err := Check(context.Background(), srv.Client(), srv.URL, nil, 1024)
	require.NoError(t, err)
	assert.False(t, probe.Resumable)
	assert.Equal(t, int64(10), probe.Size)
}

func TestCheckFallsBackToRangedGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "100000")
			return
		}
		w.Header().Set("Content-Length", "401")
		w.Header().Set("Content-Range", "bytes 100-500/100000")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	probe, err := Check(context.Background(), srv.Client(), srv.URL, nil, 1024)
	require.NoError(t, err)
	assert.True(t, probe.Resumable, "a 206 with matching Content-Length implies resumability")
	assert.Equal(t, int64(100000), probe.Size)
}

func TestCheckRangedGETIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "100000")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe, err := Check(context.Background(), srv.Client(), srv.URL, nil, 1024)
	require.NoError(t, err)
	assert.False(t, probe.Resumable)
	assert.Equal(t, int64(100000), probe.Size)
}
