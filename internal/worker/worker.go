// Package worker implements the range-GET transfer executor: a reusable
// Worker bound to one Segment at a time.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"

	"github.com/veldget/veldget/internal/httpclient"
	"github.com/veldget/veldget/internal/models"
)

// Outcome is what a transfer reports back to whoever leased the Worker:
// either the segment is now downloaded, or it failed and must be
// re-queued, or a structured error belongs on the ThreadManager's error
// channel (possibly both).
type Outcome struct {
	Segment   *models.Segment
	Succeeded bool
	Requeue   bool
	Err       error // transient transport error description, may be nil
}

// Worker is a reusable HTTP range-GET executor. Reuse binds it to one
// Segment; Run performs that single transfer and returns.
type Worker struct {
	id     int
	client *http.Client
	log    *log.Logger

	seg  *models.Segment
	item *models.DownloadItem

	speedLimit     int64
	minSpeed       int64
	minSpeedWindow time.Duration
	acceptHTML     bool
}

// New constructs a Worker bound to client for HTTP I/O.
func New(id int, client *http.Client, logger *log.Logger) *Worker {
	return &Worker{id: id, client: client, log: logger}
}

// Reuse leases seg to this Worker. Returns false if the segment is
// already locked by another Worker.
func (w *Worker) Reuse(seg *models.Segment, item *models.DownloadItem, speedLimit, minSpeed int64, minSpeedWindow time.Duration, acceptHTML bool) bool {
	if !seg.TryLock() {
		return false
	}
	w.seg = seg
	w.item = item
	w.speedLimit = speedLimit
	w.minSpeed = minSpeed
	w.minSpeedWindow = minSpeedWindow
	w.acceptHTML = acceptHTML
	return true
}

// Run performs the transfer bound by the last Reuse call and always
// releases the segment's lock before returning.
func (w *Worker) Run(ctx context.Context) Outcome {
	seg := w.seg
	defer seg.Unlock()

	if seg.Downloaded() {
		return Outcome{Segment: seg, Succeeded: true}
	}

	mode, rng, err := w.planOpen()
	if err != nil {
		seg.SetLastError(err)
		return Outcome{Segment: seg, Requeue: true, Err: err}
	}
	if mode == openSkip {
		seg.SetDownloaded(true)
		return Outcome{Segment: seg, Succeeded: true}
	}

	if err := os.MkdirAll(filepath.Dir(seg.FilePath), 0o755); err != nil {
		return Outcome{Segment: seg, Requeue: true, Err: fmt.Errorf("create segment dir: %w", err)}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if mode == openAppend {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(seg.FilePath, flags, 0o644)
	if err != nil {
		return Outcome{Segment: seg, Requeue: true, Err: fmt.Errorf("open segment file: %w", err)}
	}
	defer f.Close()

	transferCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go w.watchItemStatus(transferCtx, cancel, stop)

	resp, err := w.issueRequest(transferCtx, rng)
	if err != nil {
		seg.SetLastError(err)
		return Outcome{Segment: seg, Requeue: true, Err: err}
	}
	defer resp.Body.Close()

	maxBytes := int64(-1)
	if rng != nil {
		maxBytes = rng.Len()
		if mode == openAppend {
			maxBytes -= existingSize(seg.FilePath)
		}
	}

	htmlAborted, copyErr := w.stream(transferCtx, f, resp, maxBytes)
	if htmlAborted {
		err := fmt.Errorf("received html contents")
		seg.SetLastError(err)
		return Outcome{Segment: seg, Requeue: true, Err: err}
	}
	if copyErr != nil {
		seg.SetLastError(copyErr)
		return Outcome{Segment: seg, Requeue: true, Err: copyErr}
	}

	if resp.StatusCode >= 400 && resp.StatusCode <= 511 {
		err := fmt.Errorf("server refused request: HTTP %d", resp.StatusCode)
		seg.SetLastError(err)
		return Outcome{Segment: seg, Requeue: true, Err: err}
	}

	w.discoverServerSize(resp, rng)

	if w.verify() {
		seg.SetDownloaded(true)
		return Outcome{Segment: seg, Succeeded: true}
	}
	return Outcome{Segment: seg, Requeue: true}
}

type openMode int

const (
	openOverwrite openMode = iota
	openAppend
	openSkip
)

// planOpen decides the open mode and the (possibly adjusted) range for
// resuming a partially-written segment file.
func (w *Worker) planOpen() (openMode, *models.ByteRange, error) {
	seg := w.seg
	rng := seg.Range()

	info, statErr := os.Stat(seg.FilePath)
	existing := int64(0)
	if statErr == nil {
		existing = info.Size()
	}

	if existing == 0 || seg.Size < 0 {
		return openOverwrite, rng, nil
	}

	if existing >= seg.Size {
		if existing > seg.Size {
			if err := os.Truncate(seg.FilePath, seg.Size); err != nil {
				return openOverwrite, rng, err
			}
		}
		return openSkip, rng, nil
	}

	if rng != nil {
		adjusted := &models.ByteRange{Start: rng.Start + existing, End: rng.End}
		return openAppend, adjusted, nil
	}
	return openOverwrite, rng, nil
}

func existingSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// issueRequest sends the range-GET with the full header contract of
// Accept-Encoding: *;q=0 forbids compressed transfer so byte
// ranges stay aligned to logical offsets.
func (w *Worker) issueRequest(ctx context.Context, rng *models.ByteRange) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.seg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, v := range w.item.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept-Encoding", "*;q=0")
	if rng != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transfer request: %w", err)
	}
	return resp, nil
}

// stream copies resp.Body into f, applying the HTML-abort guard, the
// maxBytes trim, the per-worker speed limit, and the once-per-second
// progress flush into the item/segment byte counters. It returns
// htmlAborted=true if the guard fired.
func (w *Worker) stream(ctx context.Context, f *os.File, resp *http.Response, maxBytes int64) (htmlAborted bool, err error) {
	body := httpclient.LimitReader(ctx, resp.Body, w.speedLimit)

	explicitHTML := strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html")

	var written int64
	var sinceFlush int64
	var firstChunk = true
	buf := make([]byte, 64*1024)
	lastFlush := time.Now()
	lastProgressBytes := int64(0)
	watchdogStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if firstChunk {
				firstChunk = false
				if !w.acceptHTML && (explicitHTML || sniffLooksLikeHTML(chunk)) {
					return true, nil
				}
			}
			if maxBytes >= 0 && written+int64(len(chunk)) > maxBytes {
				chunk = chunk[:maxBytes-written]
			}
			if len(chunk) > 0 {
				if _, werr := f.Write(chunk); werr != nil {
					return false, fmt.Errorf("write segment: %w", werr)
				}
				written += int64(len(chunk))
				sinceFlush += int64(len(chunk))
			}
		}

		if time.Since(lastFlush) >= time.Second && sinceFlush > 0 {
			w.item.AddDownloaded(sinceFlush)
			w.seg.SetLiveBytes(w.seg.LiveBytes() + sinceFlush)
			sinceFlush = 0
			lastFlush = time.Now()
		}

		if w.minSpeed > 0 && time.Since(watchdogStart) >= w.minSpeedWindow {
			delta := written - lastProgressBytes
			windowSecs := w.minSpeedWindow.Seconds()
			if windowSecs > 0 && float64(delta)/windowSecs < float64(w.minSpeed) {
				if sinceFlush > 0 {
					w.item.AddDownloaded(sinceFlush)
					w.seg.SetLiveBytes(w.seg.LiveBytes() + sinceFlush)
				}
				return false, fmt.Errorf("transfer below minimum speed %d B/s over %s", w.minSpeed, w.minSpeedWindow)
			}
			lastProgressBytes = written
			watchdogStart = time.Now()
		}

		if maxBytes >= 0 && written >= maxBytes {
			break
		}

		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return false, fmt.Errorf("read response: %w", rerr)
		}
	}

	if sinceFlush > 0 {
		w.item.AddDownloaded(sinceFlush)
		w.seg.SetLiveBytes(w.seg.LiveBytes() + sinceFlush)
	}
	return false, nil
}

// sniffLooksLikeHTML implements the body half of the HTML-abort guard: a
// server that mislabels an error page's Content-Type still gets caught if
// its first chunk parses as an HTML document under goquery.
func sniffLooksLikeHTML(chunk []byte) bool {
	if !bytes.Contains(bytes.ToLower(chunk), []byte("<html")) {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(chunk))
	if err != nil {
		return false
	}
	return doc.Find("html").Length() > 0
}

// watchItemStatus implements cooperative cancellation: once the item
// status leaves Downloading, the transfer aborts.
func (w *Worker) watchItemStatus(ctx context.Context, cancel context.CancelFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.item.Status() != models.StatusDownloading {
				cancel()
				return
			}
		}
	}
}

// discoverServerSize fills in the segment's server-reported size: on the
// first response, if Content-Length is present and the segment's size was
// previously unknown, record it, and — for a single-segment item with no
// explicit range — establish [0, size-1] so future resumes can seek.
func (w *Worker) discoverServerSize(resp *http.Response, rng *models.ByteRange) {
	if w.seg.Size >= 0 {
		return
	}
	raw := resp.Header.Get("Content-Length")
	if raw == "" {
		return
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size <= 0 {
		return
	}
	w.seg.Size = size
	if rng == nil && len(w.item.Segments()) == 1 {
		w.seg.SetRange(&models.ByteRange{Start: 0, End: size - 1})
	}
}

// verify checks the transferred segment: either the known size matches the
// on-disk size, or, on the unknown-size path, any non-zero bytes exist.
func (w *Worker) verify() bool {
	info, err := os.Stat(w.seg.FilePath)
	if err != nil {
		return false
	}
	if w.seg.Size >= 0 {
		return info.Size() == w.seg.Size
	}
	return info.Size() > 0
}
