// Package engine builds a DownloadItem from a caller's request (plain
// file, HLS stream, or a DASH-style two-URL video+audio pair), wires it
// to a Brain, and exposes a single-item progress/run API. Manager (in
// manager.go) queues many of these with bounded concurrency.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/veldget/veldget/internal/brain"
	"github.com/veldget/veldget/internal/config"
	"github.com/veldget/veldget/internal/filemanager"
	"github.com/veldget/veldget/internal/httpclient"
	"github.com/veldget/veldget/internal/manifest"
	"github.com/veldget/veldget/internal/models"
	"github.com/veldget/veldget/internal/muxer"
	"github.com/veldget/veldget/internal/resolve"
)

// Request describes one item a caller wants downloaded.
type Request struct {
	// URL is the source: a direct file URL, an HLS media/master
	// playlist, or (with AudioURL set) the video half of a DASH-style
	// two-stream pair.
	URL         string
	AudioURL    string // set only for the DASH two-stream pattern
	ManifestURL string // explicit HLS master manifest, if different from URL

	Folder   string
	FileName string

	Headers         map[string]string
	QualitySelector string // HLS rendition choice: "best" (default), "1080p", ...
	Subtitles       map[string]string
	KeepTemp        bool
}

// Item builds the DownloadItem and manifest preprocessor (nil unless the
// request is HLS) that Run will drive to completion, without starting
// the transfer. Exposed for Manager and for callers who want to inspect
// or adjust the item before running it.
func Item(req Request, settings *config.Settings, client *http.Client) (*models.DownloadItem, brain.ManifestPreprocessor, error) {
	if req.URL == "" {
		return nil, nil, config.ErrMissingURL
	}
	if req.Folder == "" {
		return nil, nil, config.ErrMissingFolder
	}
	name := req.FileName
	if name == "" {
		name = deriveFileName(req.URL)
	}
	if name == "" {
		return nil, nil, config.ErrMissingName
	}

	item := models.NewItem(req.Folder, name)
	item.UID = uuid.NewString()
	item.URL = req.URL
	item.EffectiveURL = req.URL
	item.AudioURL = req.AudioURL
	item.ManifestURL = req.ManifestURL
	item.Headers = req.Headers
	if item.Headers == nil {
		item.Headers = map[string]string{}
	}
	item.QualitySelector = req.QualitySelector
	item.SubtitleMap = req.Subtitles
	item.KeepTemp = req.KeepTemp

	if err := resolveCollision(item, settings.NameCollision); err != nil {
		return nil, nil, err
	}

	if isHLS(req) {
		item.Kind = models.KindVideo
		if item.ManifestURL == "" {
			item.ManifestURL = req.URL
		}
		return item, manifest.NewHLSPreprocessor(client), nil
	}

	if req.AudioURL != "" {
		item.AddSubtype(models.SubtypeDASH)
		if err := buildDualStreamSegments(context.Background(), client, item, settings); err != nil {
			return nil, nil, fmt.Errorf("probe dash streams: %w", err)
		}
		return item, nil, nil
	}

	item.Kind = models.KindGeneral
	if err := buildSingleStreamSegments(context.Background(), client, item, settings); err != nil {
		return nil, nil, fmt.Errorf("probe source: %w", err)
	}
	return item, nil, nil
}

func isHLS(req Request) bool {
	if req.ManifestURL != "" {
		return true
	}
	u := strings.ToLower(req.URL)
	return strings.Contains(u, ".m3u8")
}

// deriveFileName falls back to the URL's final path segment when the
// caller didn't supply one.
func deriveFileName(rawURL string) string {
	clean := strings.SplitN(rawURL, "?", 2)[0]
	return filepath.Base(clean)
}

// resolveCollision applies the collision policy: when the target already exists,
// Rename finds the next "name (n).ext" that doesn't, Overwrite proceeds
// in place, and Cancel fails the construction outright.
func resolveCollision(item *models.DownloadItem, policy config.CollisionPolicy) error {
	if _, err := os.Stat(item.Target); os.IsNotExist(err) {
		return nil
	}
	switch policy {
	case config.CollisionOverwrite:
		return nil
	case config.CollisionCancel:
		return fmt.Errorf("target %s already exists", item.Target)
	default: // CollisionRename
		ext := filepath.Ext(item.Name)
		base := strings.TrimSuffix(item.Name, ext)
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
			item.Relocate(item.Folder, candidate)
			if _, err := os.Stat(item.Target); os.IsNotExist(err) {
				return nil
			}
		}
	}
}

// buildSingleStreamSegments runs the pre-flight probe:
// resumability, then pre-split a resumable, known-size source into
// SegmentSize ranged chunks, or fall back to one rangeless segment.
func buildSingleStreamSegments(ctx context.Context, client *http.Client, item *models.DownloadItem, settings *config.Settings) error {
	probe, err := resolve.Check(ctx, client, item.URL, item.Headers, settings.SegmentSize)
	if err != nil {
		item.SetSegments([]*models.Segment{singleSegment(item.TempDir, item.URL, item.TempFile, models.KindGeneral)})
		return nil
	}
	item.Size = probe.Size

	if !probe.Resumable || probe.Size <= 0 {
		item.SetSegments([]*models.Segment{singleSegment(item.TempDir, item.URL, item.TempFile, models.KindGeneral)})
		return nil
	}

	item.SetSegments(rangedPlan(item.TempDir, item.URL, item.TempFile, models.KindGeneral, probe.Size, settings.SegmentSize))
	return nil
}

// singleSegment builds the one-segment plan used when a source can't be
// ranged: its own file in TempDir, merged into tempFile at finalize.
func singleSegment(tempDir, url, tempFile string, kind models.MediaKind) *models.Segment {
	seg := models.NewSegment(0, kind, url, tempFile, nil)
	seg.FilePath = filepath.Join(tempDir, seg.Name)
	return seg
}

// buildDualStreamSegments implements the DASH-as-two-plain-streams
// pattern this engine uses: independently probe and segment the video
// and audio URLs, each into its own temp file, for FileManager to merge
// in parallel and the muxer to combine at finalize.
func buildDualStreamSegments(ctx context.Context, client *http.Client, item *models.DownloadItem, settings *config.Settings) error {
	var segs []*models.Segment

	videoProbe, err := resolve.Check(ctx, client, item.URL, item.Headers, settings.SegmentSize)
	if err != nil {
		segs = append(segs, singleSegment(item.TempDir, item.URL, item.TempFile, models.KindVideo))
	} else {
		item.Size = videoProbe.Size
		if videoProbe.Resumable && videoProbe.Size > 0 {
			segs = append(segs, rangedPlan(item.TempDir, item.URL, item.TempFile, models.KindVideo, videoProbe.Size, settings.SegmentSize)...)
		} else {
			segs = append(segs, singleSegment(item.TempDir, item.URL, item.TempFile, models.KindVideo))
		}
	}

	audioProbe, err := resolve.Check(ctx, client, item.AudioURL, item.Headers, settings.SegmentSize)
	nextIdx := len(segs)
	var audioSegs []*models.Segment
	if err != nil {
		audioSegs = []*models.Segment{singleSegment(item.TempDir, item.AudioURL, item.AudioTempFile, models.KindAudio)}
	} else {
		item.AudioSize = audioProbe.Size
		if audioProbe.Resumable && audioProbe.Size > 0 {
			audioSegs = rangedPlan(item.TempDir, item.AudioURL, item.AudioTempFile, models.KindAudio, audioProbe.Size, settings.SegmentSize)
		} else {
			audioSegs = []*models.Segment{singleSegment(item.TempDir, item.AudioURL, item.AudioTempFile, models.KindAudio)}
		}
	}
	segs = append(segs, reindexFrom(item.TempDir, audioSegs, nextIdx)...)

	item.SetSegments(segs)
	return nil
}

// reindexFrom renumbers segs starting at base, recomputing the derived
// Name and FilePath that depend on Index (needed when a DASH item's
// audio segments are appended after its video segments).
func reindexFrom(tempDir string, segs []*models.Segment, base int) []*models.Segment {
	for i, s := range segs {
		s.Index = base + i
		s.Name = fmt.Sprintf("seg_%06d", s.Index)
		s.FilePath = filepath.Join(tempDir, s.Name)
	}
	return segs
}

// rangedPlan splits [0, size) into SegmentSize chunks (the last one
// truncated), following the same byte-range construction the resumed
// journal path rebuilds at Reconcile time.
func rangedPlan(tempDir, url, tempFile string, kind models.MediaKind, size, segmentSize int64) []*models.Segment {
	if segmentSize <= 0 {
		segmentSize = config.DefaultSegmentSize
	}
	var segs []*models.Segment
	idx := 0
	for start := int64(0); start < size; start += segmentSize {
		end := start + segmentSize - 1
		if end >= size {
			end = size - 1
		}
		seg := models.NewSegment(idx, kind, url, tempFile, &models.ByteRange{Start: start, End: end})
		seg.Size = end - start + 1
		seg.FilePath = filepath.Join(tempDir, seg.Name)
		segs = append(segs, seg)
		idx++
	}
	return segs
}

// Engine drives a single item to completion.
type Engine struct {
	item     *models.DownloadItem
	settings *config.Settings
	snap     *config.Snapshot
	client   *http.Client
	brain    *brain.Brain
}

// New assembles an Engine for req, resolving its segment plan (or HLS
// preprocessor) up front.
func New(req Request, settings *config.Settings, client *http.Client, logger *log.Logger) (*Engine, error) {
	item, preproc, err := Item(req, settings, client)
	if err != nil {
		return nil, err
	}

	snap := config.NewSnapshot(settings)

	var fm filemanager.Muxer
	if preproc != nil || item.HasSubtype(models.SubtypeHLS) || item.HasSubtype(models.SubtypeDASH) || item.Kind == models.KindAudio {
		mx, err := muxer.New(settings.MuxerPath, settings.Verbose)
		if err != nil {
			return nil, fmt.Errorf("item requires a muxer: %w", err)
		}
		fm = mx
	}

	b := brain.New(item, settings, snap, client, preproc, fm, httpSubtitleFetcher{client: client}, logger)

	return &Engine{item: item, settings: settings, snap: snap, client: client, brain: b}, nil
}

// Run drives the item to a terminal status. It returns nil on
// StatusCompleted and the item's recorded error otherwise.
func (e *Engine) Run(ctx context.Context) error {
	e.brain.Run(ctx)
	if e.item.Status() == models.StatusCompleted {
		return nil
	}
	if err := e.item.Err(); err != nil {
		return err
	}
	return fmt.Errorf("item ended in status %s", e.item.Status())
}

// Item returns the underlying DownloadItem, for progress inspection.
func (e *Engine) Item() *models.DownloadItem {
	return e.item
}

// Snapshot exposes the hot-reconfigurable knobs (MaxConnections,
// SpeedLimit) so a caller can throttle a running transfer.
func (e *Engine) Snapshot() *config.Snapshot {
	return e.snap
}

// httpSubtitleFetcher implements filemanager.SubtitleFetcher with a
// plain range-less GET, since subtitle files are small enough that
// splitting them into segments would only add overhead.
type httpSubtitleFetcher struct {
	client *http.Client
}

func (f httpSubtitleFetcher) FetchSubtitle(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d fetching subtitle", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return nil
}

// NewHTTPClient builds the shared transport every Engine in a process
// should reuse, from settings.
func NewHTTPClient(settings *config.Settings) (*http.Client, error) {
	return httpclient.New(httpclient.Config{
		ConnectTimeout: settings.ConnectTimeout,
		VerifyTLS:      settings.VerifyTLS,
		MaxRedirects:   settings.MaxRedirects,
		ProxyURL:       settings.ProxyURL,
		CookieJarPath:  settings.CookieJarPath,
	})
}

// elapsedETA estimates remaining time from current progress and speed;
// used by Job.Progress.
func elapsedETA(item *models.DownloadItem) time.Duration {
	speed := item.Speed()
	if speed <= 0 {
		return 0
	}
	total := item.TotalSize()
	if total <= 0 {
		return 0
	}
	remaining := total - item.Downloaded()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/float64(speed)) * time.Second
}
