package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldget/veldget/internal/models"
)

func newTestItem(t *testing.T) *models.DownloadItem {
	t.Helper()
	item := models.NewItem(t.TempDir(), "out.bin")
	item.SetStatus(models.StatusDownloading)
	return item
}

func TestRunDownloadsFullBody(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	item := newTestItem(t)
	dest := filepath.Join(t.TempDir(), "seg_000000")
	seg := models.NewSegment(0, models.KindGeneral, srv.URL, dest, nil)
	seg.FilePath = dest

	w := New(1, srv.Client(), nil)
	require.True(t, w.Reuse(seg, item, 0, 0, 0, true))

	outcome := w.Run(context.Background())
	require.True(t, outcome.Succeeded)
	assert.False(t, seg.Locked())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestRunSkipsAlreadyDownloadedSegment(t *testing.T) {
	item := newTestItem(t)
	seg := models.NewSegment(0, models.KindGeneral, "http://unused", "", nil)
	seg.SetDownloaded(true)

	w := New(1, http.DefaultClient, nil)
	require.True(t, w.Reuse(seg, item, 0, 0, 0, true))

	outcome := w.Run(context.Background())
	assert.True(t, outcome.Succeeded)
}

func TestRunRejectsHTMLErrorPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>not found</body></html>"))
	}))
	defer srv.Close()

	item := newTestItem(t)
	dest := filepath.Join(t.TempDir(), "seg_000000")
	seg := models.NewSegment(0, models.KindGeneral, srv.URL, dest, nil)
	seg.FilePath = dest

	w := New(1, srv.Client(), nil)
	require.True(t, w.Reuse(seg, item, 0, 0, 0, false))

	outcome := w.Run(context.Background())
	assert.False(t, outcome.Succeeded)
	assert.True(t, outcome.Requeue)
	assert.Error(t, outcome.Err)
}

func TestPlanOpenOverwritesWhenNoExistingFile(t *testing.T) {
	seg := models.NewSegment(0, models.KindGeneral, "http://x", "", &models.ByteRange{Start: 0, End: 99})
	seg.FilePath = filepath.Join(t.TempDir(), "missing")
	seg.Size = 100

	w := &Worker{seg: seg}
	mode, rng, err := w.planOpen()
	require.NoError(t, err)
	assert.Equal(t, openOverwrite, mode)
	assert.Equal(t, int64(0), rng.Start)
}

func TestPlanOpenSkipsWhenFullyWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg_000000")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	seg := models.NewSegment(0, models.KindGeneral, "http://x", "", &models.ByteRange{Start: 0, End: 99})
	seg.FilePath = path
	seg.Size = 100

	w := &Worker{seg: seg}
	mode, _, err := w.planOpen()
	require.NoError(t, err)
	assert.Equal(t, openSkip, mode)
}

func TestPlanOpenAppendsWhenPartiallyWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg_000000")
	require.NoError(t, os.WriteFile(path, make([]byte, 40), 0o644))

	seg := models.NewSegment(0, models.KindGeneral, "http://x", "", &models.ByteRange{Start: 0, End: 99})
	seg.FilePath = path
	seg.Size = 100

	w := &Worker{seg: seg}
	mode, rng, err := w.planOpen()
	require.NoError(t, err)
	assert.Equal(t, openAppend, mode)
	assert.Equal(t, int64(40), rng.Start)
	assert.Equal(t, int64(99), rng.End)
}

func TestVerifyChecksKnownSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg_000000")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	seg := models.NewSegment(0, models.KindGeneral, "http://x", "", nil)
	seg.FilePath = path
	seg.Size = 100

	w := &Worker{seg: seg}
	assert.True(t, w.verify())

	seg.Size = 200
	assert.False(t, w.verify())
}
