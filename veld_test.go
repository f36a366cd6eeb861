package veld

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesOptionsOverDefaults(t *testing.T) {
	d, err := New(
		WithURL("https://cdn.example.com/master.m3u8"),
		WithDir("/tmp/downloads"),
		WithFileName("movie.mp4"),
		WithThreads(4),
		WithQuality("1080p"),
		WithHeader("Authorization", "Bearer token"),
		WithMaxBandwidth(1024),
	)
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/master.m3u8", d.req.URL)
	assert.Equal(t, "/tmp/downloads", d.req.Folder)
	assert.Equal(t, "movie.mp4", d.req.FileName)
	assert.Equal(t, 4, d.settings.MaxConnections)
	assert.Equal(t, "1080p", d.req.QualitySelector)
	assert.Equal(t, "Bearer token", d.req.Headers["Authorization"])
	assert.Equal(t, int64(1024), d.settings.SpeedLimit)
}

func TestNewClampsInvalidSettings(t *testing.T) {
	d, err := New(WithThreads(-1))
	require.NoError(t, err, "negative threads is clamped by Validate, not rejected")
	assert.Equal(t, 1, d.settings.MaxConnections)
}

func TestWithHeadersMergesIntoExisting(t *testing.T) {
	d, err := New(
		WithHeader("X-One", "1"),
		WithHeaders(map[string]string{"X-Two": "2"}),
	)
	require.NoError(t, err)
	assert.Equal(t, "1", d.req.Headers["X-One"])
	assert.Equal(t, "2", d.req.Headers["X-Two"])
}

func TestProgressWithoutStartedEngineIsZero(t *testing.T) {
	d, err := New(WithURL("https://cdn.example.com/file.bin"))
	require.NoError(t, err)
	assert.Equal(t, Progress{}, d.Progress())
}

func TestProgressPercent(t *testing.T) {
	p := Progress{Downloaded: 50, Total: 200}
	assert.Equal(t, 25.0, p.Percent())

	assert.Equal(t, 0.0, Progress{Total: 0}.Percent())
}
