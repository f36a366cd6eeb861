package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteRangeLen(t *testing.T) {
	r := ByteRange{Start: 100, End: 199}
	assert.Equal(t, int64(100), r.Len())

	single := ByteRange{Start: 0, End: 0}
	assert.Equal(t, int64(1), single.Len())
}

func TestSegmentLockUnlock(t *testing.T) {
	seg := NewSegment(0, KindVideo, "https://example.com/seg0", "/tmp/t", &ByteRange{Start: 0, End: 99})

	assert.False(t, seg.Locked())
	assert.True(t, seg.TryLock())
	assert.True(t, seg.Locked())
	assert.False(t, seg.TryLock(), "second lock attempt must fail while held")

	seg.Unlock()
	assert.False(t, seg.Locked())
	assert.True(t, seg.TryLock(), "lock should be available again after Unlock")
}

func TestSegmentRangeCopyIsolated(t *testing.T) {
	seg := NewSegment(0, KindGeneral, "u", "t", &ByteRange{Start: 0, End: 9})

	got := seg.Range()
	got.End = 999 // mutating the returned copy must not affect the segment

	again := seg.Range()
	assert.Equal(t, int64(9), again.End)
}

func TestSegmentRetriesAndMergeErrors(t *testing.T) {
	seg := NewSegment(0, KindGeneral, "u", "t", nil)

	assert.Equal(t, 0, seg.Retries())
	assert.Equal(t, 1, seg.IncRetries())
	assert.Equal(t, 2, seg.IncRetries())

	assert.Equal(t, 0, seg.MergeErrors())
	assert.Equal(t, 1, seg.IncMergeErrors())
}

func TestSegmentDownloadedCompleted(t *testing.T) {
	seg := NewSegment(0, KindGeneral, "u", "t", nil)
	assert.False(t, seg.Downloaded())
	assert.False(t, seg.Completed())

	seg.SetDownloaded(true)
	seg.SetCompleted(true)
	assert.True(t, seg.Downloaded())
	assert.True(t, seg.Completed())
}
