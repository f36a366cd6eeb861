package brain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldget/veldget/internal/config"
	"github.com/veldget/veldget/internal/journal"
	"github.com/veldget/veldget/internal/models"
)

type fakePreprocessor struct {
	err   error
	setup func(item *models.DownloadItem)
}

func (f *fakePreprocessor) Prepare(ctx context.Context, item *models.DownloadItem) error {
	if f.err != nil {
		return f.err
	}
	if f.setup != nil {
		f.setup(item)
	}
	return nil
}

func TestRunCompletesAGenericSingleSegmentItem(t *testing.T) {
	body := []byte("hello from the origin server")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	item := models.NewItem(dir, "out.bin")
	item.URL = srv.URL
	item.Kind = models.KindGeneral
	seg := models.NewSegment(0, models.KindGeneral, srv.URL, item.TempFile, nil)
	seg.FilePath = item.TempDir + "/seg_000000"
	item.SetSegments([]*models.Segment{seg})

	settings := config.Default()
	snap := config.NewSnapshot(settings)
	b := New(item, settings, snap, srv.Client(), nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Run(ctx)

	assert.Equal(t, models.StatusCompleted, item.Status())
	got, err := os.ReadFile(item.Target)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestRunFailsFatalPreprocessor(t *testing.T) {
	item := models.NewItem(t.TempDir(), "out.mp4")
	settings := config.Default()
	snap := config.NewSnapshot(settings)

	preproc := &fakePreprocessor{err: assertError{"manifest fetch failed"}}
	b := New(item, settings, snap, http.DefaultClient, preproc, nil, nil, nil)

	b.Run(context.Background())

	assert.Equal(t, models.StatusError, item.Status())
	require.Error(t, item.Err())
}

func TestRunNoDoubleStart(t *testing.T) {
	item := models.NewItem(t.TempDir(), "out.mp4")
	item.SetStatus(models.StatusDownloading)

	settings := config.Default()
	snap := config.NewSnapshot(settings)
	b := New(item, settings, snap, http.DefaultClient, nil, nil, nil, nil)

	b.Run(context.Background())
	assert.Equal(t, models.StatusDownloading, item.Status())
}

func TestVerifyTargetFailsOnEmptyFile(t *testing.T) {
	dir := t.TempDir()
	item := models.NewItem(dir, "out.bin")
	item.SetStatus(models.StatusCompleted)
	require.NoError(t, os.WriteFile(item.Target, nil, 0o644))

	b := &Brain{item: item}
	b.verifyTarget()

	assert.Equal(t, models.StatusError, item.Status())
	_, err := os.Stat(item.Target)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadJournalRebuildsPlanWhenAutoSegmentedShapeDiffers(t *testing.T) {
	dir := t.TempDir()
	item := models.NewItem(dir, "out.mp4")
	item.URL = "http://x/video"

	// The freshly-built plan, as engine.go would construct it before any
	// auto-segmentation: one whole-file video segment.
	whole := models.NewSegment(0, models.KindVideo, item.URL, item.TempFile, &models.ByteRange{Start: 0, End: 999})
	whole.FilePath = filepath.Join(item.TempDir, "seg_000000")
	whole.Size = 1000
	item.SetSegments([]*models.Segment{whole})

	// The journal, written by a prior run after auto-segmentation split
	// that single segment into two, with the second half fully downloaded.
	part0 := filepath.Join(item.TempDir, "seg_000000")
	part1 := filepath.Join(item.TempDir, "seg_000001")
	require.NoError(t, os.WriteFile(part1, make([]byte, 500), 0o644))
	entries := []journal.Entry{
		{Name: part0, MediaType: "video", Size: 500, Range: &[2]int64{0, 499}},
		{Name: part1, MediaType: "video", Size: 500, Range: &[2]int64{500, 999}, Downloaded: true, Completed: true},
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(item.JournalPath, data, 0o644))

	b := &Brain{item: item}
	b.loadJournal()

	segs := item.Segments()
	require.Len(t, segs, 2, "plan must be replaced by the journal's split shape")
	assert.Equal(t, part0, segs[0].FilePath)
	assert.Equal(t, part1, segs[1].FilePath)
	assert.True(t, segs[1].Downloaded(), "on-disk bytes matching the journal's declared size are reconciled")
	assert.Equal(t, item.URL, segs[0].URL)
	assert.Equal(t, int64(500), item.Downloaded())
}

func TestLoadJournalKeepsPlanWhenShapeMatches(t *testing.T) {
	dir := t.TempDir()
	item := models.NewItem(dir, "out.mp4")
	item.URL = "http://x/video"

	segPath := filepath.Join(item.TempDir, "seg_000000")
	require.NoError(t, os.WriteFile(segPath, make([]byte, 1000), 0o644))
	seg := models.NewSegment(0, models.KindVideo, item.URL, item.TempFile, &models.ByteRange{Start: 0, End: 999})
	seg.FilePath = segPath
	seg.Size = 1000
	item.SetSegments([]*models.Segment{seg})

	entries := []journal.Entry{
		{Name: segPath, MediaType: "video", Size: 1000, Downloaded: true, Completed: true},
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(item.JournalPath, data, 0o644))

	b := &Brain{item: item}
	b.loadJournal()

	segs := item.Segments()
	require.Len(t, segs, 1)
	assert.Same(t, seg, segs[0], "unchanged shape must not discard the original segment plan")
	assert.True(t, segs[0].Downloaded())
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
