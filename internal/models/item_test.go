package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewItemDerivedPaths(t *testing.T) {
	item := NewItem("/downloads", "my video.mp4")

	assert.Equal(t, "/downloads/my video.mp4", item.Target)
	assert.Contains(t, item.TempFile, "_temp_my_video.mp4")
	assert.NotContains(t, item.TempFile, " ", "temp file name must have spaces replaced")
	assert.Equal(t, ".mp4", item.Ext)
	assert.Equal(t, StatusPending, item.Status())
}

func TestItemRelocateRecomputesUID(t *testing.T) {
	item := NewItem("/downloads", "a.mp4")
	before := item.UID

	item.Relocate("/downloads", "a (1).mp4")
	assert.NotEqual(t, before, item.UID, "relocate must recompute the content-addressed UID")
	assert.Equal(t, "/downloads/a (1).mp4", item.Target)
}

func TestItemTotalSizeIgnoresUnknown(t *testing.T) {
	item := NewItem("/d", "a.mp4")
	item.Size = -1
	item.AudioSize = -1
	assert.Equal(t, int64(0), item.TotalSize())

	item.Size = 1000
	assert.Equal(t, int64(1000), item.TotalSize())

	item.AudioSize = 500
	assert.Equal(t, int64(1500), item.TotalSize())
}

func TestItemProgress(t *testing.T) {
	item := NewItem("/d", "a.mp4")
	item.Size = 100
	assert.Equal(t, 0.0, item.Progress(), "progress should be 0 before any bytes arrive")

	item.AddDownloaded(50)
	assert.InDelta(t, 0.5, item.Progress(), 0.0001)
}

func TestItemSubtypes(t *testing.T) {
	item := NewItem("/d", "a.mp4")
	assert.False(t, item.HasSubtype(SubtypeHLS))
	item.AddSubtype(SubtypeHLS)
	assert.True(t, item.HasSubtype(SubtypeHLS))
}

func TestItemSegmentsSnapshotIsolated(t *testing.T) {
	item := NewItem("/d", "a.mp4")
	seg := NewSegment(0, KindGeneral, "u", "t", nil)
	item.SetSegments([]*Segment{seg})

	snap := item.Segments()
	snap[0] = nil // mutating the snapshot must not affect the item's list

	again := item.Segments()
	assert.NotNil(t, again[0])
}

func TestItemSetErrorTransitionsStatus(t *testing.T) {
	item := NewItem("/d", "a.mp4")
	item.SetStatus(StatusDownloading)

	wantErr := assert.AnError
	item.SetError(wantErr)

	assert.Equal(t, StatusError, item.Status())
	assert.Equal(t, wantErr, item.Err())
}
