package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// tempFolderPrefix and the temp/audio-temp file naming scheme are part of
// the engine's on-disk layout contract and are kept verbatim
// for compatibility with existing temp folders.
const tempFolderPrefix = "vdm_"

// DownloadItem is the aggregate root: one user-facing download. For DASH
// it owns a video stream and a parallel audio stream merged into Target
// by the muxer; for everything else it owns a single stream.
type DownloadItem struct {
	UID string

	Folder   string // destination directory
	Name     string // validated file name, including extension
	Ext      string
	RawTitle string

	TempDir       string
	TempFile      string // video/general target temp file
	AudioTempFile string
	Target        string // Folder/Name, the finished artifact

	URL          string
	EffectiveURL string
	AudioURL     string
	ManifestURL  string

	// QualitySelector picks a rendition from a master manifest's
	// #EXT-X-STREAM-INF variants: "best" (default), a label like
	// "1080p"/"4k"/"hd", or a bare pixel count.
	QualitySelector string

	Kind      MediaKind
	Subtypes  SubtypeSet
	subtypeMu sync.Mutex

	Size      int64 // declared video/general stream size, -1 if unknown
	AudioSize int64 // declared audio stream size, -1 if unknown

	Headers  map[string]string
	KeepTemp bool

	// FragmentBaseURL/FragmentPaths describe a fragmented, rangeless
	// input: one Segment per relative path, joined against the base.
	FragmentBaseURL string
	FragmentPaths   []string

	// SubtitleMap keys are "<lang>.<ext>"; values are source URLs.
	SubtitleMap map[string]string

	JournalPath string
	CreatedAt   time.Time

	RefreshURLRetries int

	ChecksumMD5    string
	ChecksumSHA256 string

	downloaded  atomic.Int64
	liveWorkers atomic.Int32

	speed           atomic.Int64
	speedSampleAt   atomic.Int64 // unix nanos of the last sample
	speedSampleByte atomic.Int64

	statusMu sync.RWMutex
	status   Status
	lastErr  error

	segMu    sync.RWMutex
	segments []*Segment
}

// NewItem constructs a DownloadItem for the given destination folder and
// validated file name, computing its content-addressed UID and the
// derived temp-folder/temp-file layout. Renaming or relocating the item
// (a name-collision Rename policy, for instance) must call Relocate to
// keep the UID and paths consistent.
func NewItem(folder, name string) *DownloadItem {
	item := &DownloadItem{
		Folder:    folder,
		Headers:   make(map[string]string),
		CreatedAt: time.Now(),
		Size:      -1,
		AudioSize: -1,
		status:    StatusPending,
	}
	item.Relocate(folder, name)
	return item
}

// Relocate recomputes the UID and every derived path after a rename or
// move (renaming or relocating recomputes it).
func (d *DownloadItem) Relocate(folder, name string) {
	d.Folder = folder
	d.Name = name
	d.Ext = filepath.Ext(name)
	d.UID = computeUID(folder, name)
	d.TempDir = filepath.Join(folder, tempFolderPrefix+d.UID)
	sanitized := strings.ReplaceAll(name, " ", "_")
	d.TempFile = filepath.Join(d.TempDir, "_temp_"+sanitized)
	d.AudioTempFile = filepath.Join(d.TempDir, "audio_for_"+sanitized)
	d.Target = filepath.Join(folder, name)
	d.JournalPath = filepath.Join(d.TempDir, "progress_info.json")
}

func computeUID(folder, name string) string {
	sum := md5.Sum([]byte(folder + name))
	return hex.EncodeToString(sum[:])
}

// AddSubtype tags the item with a subtype (dash, hls, encrypted, ...).
func (d *DownloadItem) AddSubtype(t Subtype) {
	d.subtypeMu.Lock()
	defer d.subtypeMu.Unlock()
	d.Subtypes.Add(t)
}

// HasSubtype reports whether the item carries the given tag.
func (d *DownloadItem) HasSubtype(t Subtype) bool {
	d.subtypeMu.Lock()
	defer d.subtypeMu.Unlock()
	return d.Subtypes.Has(t)
}

// Downloaded returns the current total downloaded byte count.
func (d *DownloadItem) Downloaded() int64 {
	return d.downloaded.Load()
}

// AddDownloaded atomically adds to the total downloaded byte count; it is
// called from every Worker transferring a segment of this item.
func (d *DownloadItem) AddDownloaded(n int64) int64 {
	return d.downloaded.Add(n)
}

// ResetDownloaded zeroes the counter; only Brain does this, at start.
func (d *DownloadItem) ResetDownloaded() {
	d.downloaded.Store(0)
}

// TotalSize returns the sum of known stream sizes. Segments whose size is
// still unknown are not counted; callers that need an estimate should add
// a per-segment average for any undiscovered segments.
func (d *DownloadItem) TotalSize() int64 {
	total := int64(0)
	if d.Size > 0 {
		total += d.Size
	}
	if d.AudioSize > 0 {
		total += d.AudioSize
	}
	return total
}

// Progress returns the downloaded fraction in [0, 1]; 0 if size unknown.
func (d *DownloadItem) Progress() float64 {
	total := d.TotalSize()
	if total <= 0 {
		return 0
	}
	return float64(d.Downloaded()) / float64(total)
}

// Speed returns the most recently sampled throughput in bytes/sec, as
// last recorded by SampleSpeed. ThreadManager's auto-segmentation reads
// this as the item's instantaneous speed estimate.
func (d *DownloadItem) Speed() int64 {
	return d.speed.Load()
}

// SampleSpeed is called periodically (by the segment-progress reporter)
// to recompute the throughput estimate from the delta since the last
// sample.
func (d *DownloadItem) SampleSpeed(now time.Time) {
	nowNanos := now.UnixNano()
	prevNanos := d.speedSampleAt.Swap(nowNanos)
	if prevNanos == 0 {
		d.speedSampleByte.Store(d.Downloaded())
		return
	}
	elapsed := time.Duration(nowNanos - prevNanos)
	if elapsed <= 0 {
		return
	}
	prevBytes := d.speedSampleByte.Swap(d.Downloaded())
	delta := d.Downloaded() - prevBytes
	if delta < 0 {
		delta = 0
	}
	d.speed.Store(int64(float64(delta) / elapsed.Seconds()))
}

// LiveWorkers returns the number of Workers currently transferring a
// segment of this item.
func (d *DownloadItem) LiveWorkers() int32 {
	return d.liveWorkers.Load()
}

// IncLiveWorkers adjusts the live-worker count by delta and returns the
// new value.
func (d *DownloadItem) IncLiveWorkers(delta int32) int32 {
	return d.liveWorkers.Add(delta)
}

// Status returns the item's current lifecycle status.
func (d *DownloadItem) Status() Status {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status
}

// SetStatus transitions the item to a new status.
func (d *DownloadItem) SetStatus(s Status) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	d.status = s
}

// SetError transitions the item to StatusError and records the cause.
func (d *DownloadItem) SetError(err error) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	d.status = StatusError
	d.lastErr = err
}

// Err returns the error that last moved the item into StatusError, if any.
func (d *DownloadItem) Err() error {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.lastErr
}

// Segments returns a snapshot of the current segment list. ThreadManager's
// auto-segmentation appends to it; plan construction (the engine package,
// the HLS preprocessor, Brain's journal load) replaces it; FileManager,
// Workers (via their own Segment), and reporters only read.
func (d *DownloadItem) Segments() []*Segment {
	d.segMu.RLock()
	defer d.segMu.RUnlock()
	return append([]*Segment(nil), d.segments...)
}

// SetSegments replaces the segment list wholesale (initial plan
// construction, or journal-driven reconstruction at resume).
func (d *DownloadItem) SetSegments(segs []*Segment) {
	d.segMu.Lock()
	defer d.segMu.Unlock()
	d.segments = segs
}

// AppendSegment adds a new segment, as auto-segmentation does when it
// splits a long in-flight range.
func (d *DownloadItem) AppendSegment(seg *Segment) {
	d.segMu.Lock()
	defer d.segMu.Unlock()
	d.segments = append(d.segments, seg)
}

// String renders a short diagnostic identity, handy in log fields.
func (d *DownloadItem) String() string {
	return fmt.Sprintf("%s[%s]", d.Name, d.UID[:8])
}
