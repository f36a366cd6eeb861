package models

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ByteRange is an inclusive [Start, End] byte range within a logical
// source stream.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes the range covers.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// KeyRef describes the decryption key an encrypted HLS segment is bound
// to: the key method (currently only AES-128), the absolute key URL
// (after skd:// rewriting), and the IV, which may be nil (the engine
// then uses the segment's zero-based index as the sequence number IV).
type KeyRef struct {
	Method string
	URL    string
	IV     []byte
}

// Segment is the unit of work: a single Worker transfers it end-to-end.
//
// Mutable runtime fields (Downloaded, Completed, Locked, Retries, the
// live byte counter) are accessed from the Worker that owns the segment,
// the ThreadManager that leases it, and the FileManager that merges it,
// so they are atomics. Range is additionally mutated by auto-segmentation,
// which may split a segment a Worker is still transferring, so it is
// guarded by rangeMu rather than being a plain struct field.
type Segment struct {
	Index int
	Name  string // base file name derived from Index, e.g. "seg_000042"
	Kind  MediaKind

	URL      string
	FilePath string // absolute path this segment's body is written to
	TempFile string // the DownloadItem temp file this segment merges into
	Key      *KeyRef

	Merge bool // false for encrypted HLS and key segments, which the muxer reads from their own files

	Size int64 // declared size in bytes, -1 if unknown

	rangeMu sync.RWMutex
	rng     *ByteRange

	downloaded atomic.Bool
	completed  atomic.Bool
	locked     atomic.Bool
	retries    atomic.Int32
	liveBytes  atomic.Int64
	mergeErrs  atomic.Int32

	lastErr atomic.Value // error
}

// NewSegment constructs a Segment with the given identity and sourcing.
func NewSegment(index int, kind MediaKind, url, tempFile string, rng *ByteRange) *Segment {
	return &Segment{
		Index:    index,
		Name:     fmt.Sprintf("seg_%06d", index),
		Kind:     kind,
		URL:      url,
		TempFile: tempFile,
		rng:      rng,
		Size:     -1,
		Merge:    true,
	}
}

// Range returns a copy of the segment's current byte range, or nil if it
// is rangeless.
func (s *Segment) Range() *ByteRange {
	s.rangeMu.RLock()
	defer s.rangeMu.RUnlock()
	if s.rng == nil {
		return nil
	}
	cp := *s.rng
	return &cp
}

// SetRange replaces the segment's range. Used when a Worker discovers the
// server's Content-Length for a previously-unknown-size single-segment
// item, and when auto-segmentation truncates a segment's tail.
func (s *Segment) SetRange(rng *ByteRange) {
	s.rangeMu.Lock()
	defer s.rangeMu.Unlock()
	s.rng = rng
}

// TryLock leases the segment to a Worker; returns false if already locked.
func (s *Segment) TryLock() bool {
	return s.locked.CompareAndSwap(false, true)
}

// Unlock releases the lease.
func (s *Segment) Unlock() {
	s.locked.Store(false)
}

// Locked reports whether the segment is currently leased.
func (s *Segment) Locked() bool {
	return s.locked.Load()
}

// Downloaded reports whether the segment's body has been fully received.
func (s *Segment) Downloaded() bool {
	return s.downloaded.Load()
}

// SetDownloaded marks the segment's body as fully received (or reverses
// that, when a verification failure re-enqueues the segment).
func (s *Segment) SetDownloaded(v bool) {
	s.downloaded.Store(v)
}

// Completed reports whether the segment has been merged into the target
// temp file by FileManager.
func (s *Segment) Completed() bool {
	return s.completed.Load()
}

// SetCompleted marks the segment as merged.
func (s *Segment) SetCompleted(v bool) {
	s.completed.Store(v)
}

// Retries returns the current retry count.
func (s *Segment) Retries() int {
	return int(s.retries.Load())
}

// IncRetries increments and returns the retry count.
func (s *Segment) IncRetries() int {
	return int(s.retries.Add(1))
}

// LiveBytes returns the segment's own instantaneous byte counter, flushed
// by the Worker roughly once per second during transfer.
func (s *Segment) LiveBytes() int64 {
	return s.liveBytes.Load()
}

// SetLiveBytes sets the segment's own instantaneous byte counter.
func (s *Segment) SetLiveBytes(n int64) {
	s.liveBytes.Store(n)
}

// MergeErrors returns the count of merge failures FileManager has hit on
// this segment.
func (s *Segment) MergeErrors() int {
	return int(s.mergeErrs.Load())
}

// IncMergeErrors increments and returns the merge-error count.
func (s *Segment) IncMergeErrors() int {
	return int(s.mergeErrs.Add(1))
}

// LastError returns the most recently recorded transfer error, if any.
func (s *Segment) LastError() error {
	v := s.lastErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// SetLastError records the most recent transfer error for diagnostics.
func (s *Segment) SetLastError(err error) {
	s.lastErr.Store(err)
}
