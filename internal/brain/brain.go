// Package brain implements the per-item supervisor: it validates and
// seeds segments, spawns FileManager, ThreadManager, and the progress
// reporters, waits for a terminal status, and tears everything down.
package brain

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/veldget/veldget/internal/config"
	"github.com/veldget/veldget/internal/decryptor"
	"github.com/veldget/veldget/internal/filemanager"
	"github.com/veldget/veldget/internal/journal"
	"github.com/veldget/veldget/internal/models"
	"github.com/veldget/veldget/internal/threadmanager"
)

// ManifestPreprocessor builds an item's segment plan from an HLS or DASH
// manifest before Brain starts the transfer tasks.
type ManifestPreprocessor interface {
	Prepare(ctx context.Context, item *models.DownloadItem) error
}

// Brain supervises exactly one DownloadItem end to end.
type Brain struct {
	item     *models.DownloadItem
	settings *config.Settings
	snap     *config.Snapshot
	client   *http.Client
	log      *log.Logger

	preproc ManifestPreprocessor // nil if the item is not HLS/DASH
	muxer   filemanager.Muxer
	subs    filemanager.SubtitleFetcher

	pollInterval time.Duration
}

// New constructs a Brain for item.
func New(item *models.DownloadItem, settings *config.Settings, snap *config.Snapshot, client *http.Client, preproc ManifestPreprocessor, muxer filemanager.Muxer, subs filemanager.SubtitleFetcher, logger *log.Logger) *Brain {
	return &Brain{
		item:         item,
		settings:     settings,
		snap:         snap,
		client:       client,
		log:          logger,
		preproc:      preproc,
		muxer:        muxer,
		subs:         subs,
		pollInterval: config.DefaultBrainPollInterval,
	}
}

// Run drives item through its lifecycle to a terminal
// status. It never returns an error: failures are reflected onto the
// item's own status, matching the source's "Brain never raises" policy.
func (b *Brain) Run(ctx context.Context) {
	// Step 1: no double-start.
	if b.item.Status().IsActive() {
		return
	}

	// f4m and ism items are unsupported: fatal before any transfer starts.
	if b.item.HasSubtype(models.SubtypeF4M) || b.item.HasSubtype(models.SubtypeISM) {
		b.item.SetError(fmt.Errorf("unsupported protocol: f4m/ism"))
		return
	}

	// Step 2: truncate residual temp state.
	b.resetTempState()
	b.item.SetStatus(models.StatusDownloading)

	// Step 3: manifest pre-processing (HLS/DASH) is fatal on failure.
	if b.preproc != nil {
		if err := b.preproc.Prepare(ctx, b.item); err != nil {
			b.item.SetError(fmt.Errorf("manifest pre-processing: %w", err))
			return
		}
	}

	// Step 4: reconcile against the existing journal.
	b.loadJournal()

	// Step 5: spawn the four cooperating tasks.
	quitFile := make(chan struct{})
	quitThreads := make(chan struct{})
	quitSegReporter := make(chan struct{})
	quitMediaReporter := make(chan struct{})

	tm := threadmanager.New(b.item, b.settings, b.snap, b.client, b.log)
	// Only HLS/DASH items ever carry a keyed segment; decryptIfNeeded
	// skips the call entirely when a segment's Key is nil, so handing
	// every item a decryptor unconditionally is harmless.
	fm := filemanager.New(b.item, b.settings, b.muxer, b.subs, decryptor.NewSegmentDecryptor(b.item), b.log)

	done := make(chan struct{}, 2)

	go func() {
		if err := tm.Run(ctx, quitThreads); err != nil && b.log != nil {
			b.log.Warn("thread manager exited with error", "item", b.item.UID, "err", err)
		}
		done <- struct{}{}
	}()
	go func() {
		if err := fm.Run(ctx, quitFile); err != nil && b.log != nil {
			b.log.Warn("file manager exited with error", "item", b.item.UID, "err", err)
		}
		done <- struct{}{}
	}()
	go b.reportSegmentProgress(ctx, quitSegReporter)
	if b.item.Kind == models.KindVideo {
		go b.reportMediaProgress(ctx, quitMediaReporter)
	}

	// Step 6: poll status at ~10 Hz until it leaves the active set.
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		case <-ticker.C:
			if !b.item.Status().IsActive() {
				break pollLoop
			}
		}
	}

	// Step 7: verify the target, then signal quit on all four channels.
	b.verifyTarget()
	close(quitFile)
	close(quitThreads)
	close(quitSegReporter)
	close(quitMediaReporter)
	<-done
	<-done
}

func (b *Brain) resetTempState() {
	os.Truncate(b.item.TempFile, 0)
	if b.item.AudioTempFile != "" {
		os.Truncate(b.item.AudioTempFile, 0)
	}
	b.item.ResetDownloaded()
}

// loadJournal reconciles the freshly-built segment plan against any
// prior journal. When the journal's segment shape doesn't match the
// plan just built from scratch (ThreadManager auto-segmented before
// the process was interrupted), the plan is discarded in favor of one
// rebuilt directly from the journal, since the journal is the only
// record of how those segments were actually split.
func (b *Brain) loadJournal() {
	entries, err := journal.Load(b.item.JournalPath)
	if err != nil || entries == nil {
		return
	}

	segs := b.item.Segments()
	if journal.NeedsRebuild(entries, segs) {
		segs = journal.Rebuild(entries, b.urlForMediaType, b.tempFileForMediaType)
		b.item.SetSegments(segs)
	}

	total := journal.Reconcile(entries, segs)
	b.item.AddDownloaded(total)
}

// urlForMediaType returns the source URL a rebuilt segment of the given
// media_type should use: the item's audio URL for audio segments, its
// primary (video/general) URL otherwise.
func (b *Brain) urlForMediaType(mediaType string) string {
	if mediaType == "audio" && b.item.AudioURL != "" {
		return b.item.AudioURL
	}
	if b.item.EffectiveURL != "" {
		return b.item.EffectiveURL
	}
	return b.item.URL
}

// tempFileForMediaType returns the merge-target temp file a rebuilt
// segment of the given media_type should use.
func (b *Brain) tempFileForMediaType(mediaType string) string {
	if mediaType == "audio" && b.item.AudioTempFile != "" {
		return b.item.AudioTempFile
	}
	return b.item.TempFile
}

// verifyTarget checks the finished artifact: a zero-byte target on a
// status that otherwise looked like success is itself a failure.
func (b *Brain) verifyTarget() {
	if b.item.Status() != models.StatusCompleted {
		return
	}
	info, err := os.Stat(b.item.Target)
	if err != nil || info.Size() == 0 {
		os.Remove(b.item.Target)
		b.item.SetError(fmt.Errorf("final target is empty or missing"))
	}
}

// reportSegmentProgress samples throughput roughly once per second so
// ThreadManager's auto-segmentation and any external progress UI have a
// current speed estimate.
func (b *Brain) reportSegmentProgress(ctx context.Context, quit <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.item.SampleSpeed(now)
		}
	}
}

// reportMediaProgress is the video-specific progress reporter. Its
// signal is the on-disk size of the video temp file, useful to a caller
// that wants to start playback before the transfer finishes.
func (b *Brain) reportMediaProgress(ctx context.Context, quit <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if info, err := os.Stat(b.item.TempFile); err == nil && b.log != nil {
				b.log.Debug("media file progress", "item", b.item.UID, "bytes", info.Size())
			}
		}
	}
}
