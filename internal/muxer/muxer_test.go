package muxer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAudioCodec(t *testing.T) {
	assert.Equal(t, "libmp3lame", defaultAudioCodec(".mp3"))
	assert.Equal(t, "libopus", defaultAudioCodec("opus"))
	assert.Equal(t, "flac", defaultAudioCodec(".flac"))
	assert.Equal(t, "aac", defaultAudioCodec(".m4a"))
}

func TestNewWithExplicitPathSkipsLookup(t *testing.T) {
	m, err := New("/usr/bin/does-not-matter", true)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/does-not-matter", m.Path)
}

// fakeFFmpeg writes a shell script standing in for ffmpeg: it writes
// "ok" to its last argument (treated as the output path) and exits 0,
// or exits 1 without writing anything when FAKE_FFMPEG_FAIL is set.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg script is POSIX-shell only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "ffmpeg")
	script := `#!/bin/sh
if [ -n "$FAKE_FFMPEG_FAIL" ]; then
  echo "boom" >&2
  exit 1
fi
shift $(($# - 1))
echo ok > "$1"
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestMuxHLSWritesOutputOnStreamCopySuccess(t *testing.T) {
	m := &Muxer{Path: fakeFFmpeg(t)}
	out := filepath.Join(t.TempDir(), "out.mp4")

	require.NoError(t, m.MuxHLS(context.Background(), "/tmp/local.m3u8", out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(got))
}

func TestRunWrapsStderrWhenNotVerbose(t *testing.T) {
	m := &Muxer{Path: fakeFFmpeg(t)}
	t.Setenv("FAKE_FFMPEG_FAIL", "1")

	err := m.run(context.Background(), []string{"-i", "x", "/tmp/out"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
