// Package filemanager implements the single-threaded consumer that
// merges completed segments into a DownloadItem's temp file in the
// correct order and finalizes the artifact.
package filemanager

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/veldget/veldget/internal/config"
	"github.com/veldget/veldget/internal/journal"
	"github.com/veldget/veldget/internal/models"
)

// Muxer is the subset of the external-muxer adapter FileManager needs at
// finalize time. The concrete implementation lives in internal/muxer;
// this interface exists so filemanager never imports it directly,
// keeping the dependency direction finalize-policy → mux-mechanism.
type Muxer interface {
	MuxHLS(ctx context.Context, playlistPath, outputPath string) error
	MuxDASH(ctx context.Context, videoPath, audioPath, outputPath string) error
	TranscodeAudio(ctx context.Context, inputPath, outputPath, ext string) error
	ConvertSubtitle(ctx context.Context, inputPath, outputPath string) error
	RemuxMetadata(ctx context.Context, inputPath, metadataPath, outputPath string) error
}

// SubtitleFetcher enqueues a subordinate subtitle download; implemented
// by the engine package, which owns item construction and scheduling.
type SubtitleFetcher interface {
	FetchSubtitle(ctx context.Context, url, destPath string) error
}

// Decryptor decrypts an on-disk, not-yet-merged segment in place, given
// the KeyRef it was downloaded under. Key segments themselves (Kind ==
// KindKey) are never passed here; they exist only so ThreadManager
// schedules the key fetch, and the decryptor reads their already-leased
// file directly when asked to decrypt a sibling media segment.
type Decryptor interface {
	DecryptSegment(ctx context.Context, seg *models.Segment) error
}

// FileManager merges and finalizes one DownloadItem.
type FileManager struct {
	item      *models.DownloadItem
	settings  *config.Settings
	muxer     Muxer
	subs      SubtitleFetcher
	decryptor Decryptor
	log       *log.Logger

	tickInterval time.Duration
}

// New constructs a FileManager for item. decryptor may be nil for items
// that never carry an encrypted segment (decryptIfNeeded only consults
// it when seg.Key != nil).
func New(item *models.DownloadItem, settings *config.Settings, muxer Muxer, subs SubtitleFetcher, decryptor Decryptor, logger *log.Logger) *FileManager {
	return &FileManager{
		item:         item,
		settings:     settings,
		muxer:        muxer,
		subs:         subs,
		decryptor:    decryptor,
		log:          logger,
		tickInterval: config.DefaultFileManagerTickInterval,
	}
}

// decryptIfNeeded handles a Merge=false segment. Key segments
// carry no key of their own and just need to exist on disk for a
// sibling media segment's decryption to read; only keyed media segments
// are actually decrypted.
func (f *FileManager) decryptIfNeeded(ctx context.Context, seg *models.Segment) error {
	if seg.Key == nil {
		return nil
	}
	if f.decryptor == nil {
		return fmt.Errorf("segment %d: encrypted but no decryptor configured", seg.Index)
	}
	return f.decryptor.DecryptSegment(ctx, seg)
}

// Run drives the merge/finalize loop until the job list is exhausted (or
// quit is signaled). It returns nil on normal completion
// and an error that has already been reflected onto the item's status.
func (f *FileManager) Run(ctx context.Context, quit <-chan struct{}) error {
	if err := f.prepareTempFiles(); err != nil {
		f.item.SetError(err)
		return err
	}

	ticker := time.NewTicker(f.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		done, err := f.tick(ctx)
		f.persistJournal()
		if err != nil {
			f.item.SetError(err)
			return err
		}
		if done {
			return f.finalize(ctx)
		}
	}
}

// prepareTempFiles creates the temp folder and an empty file for every
// distinct temp file a segment references, so later seek-and-write opens
// succeed.
func (f *FileManager) prepareTempFiles() error {
	if err := os.MkdirAll(f.item.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp folder: %w", err)
	}
	seen := map[string]bool{}
	for _, seg := range f.item.Segments() {
		if seg.TempFile == "" || seen[seg.TempFile] {
			continue
		}
		seen[seg.TempFile] = true
		if _, err := os.Stat(seg.TempFile); os.IsNotExist(err) {
			fh, err := os.Create(seg.TempFile)
			if err != nil {
				return fmt.Errorf("create temp file %s: %w", seg.TempFile, err)
			}
			fh.Close()
		}
	}
	return nil
}

// tick performs one pass over the job list and reports
// whether no segments remain (i.e. finalize should run next).
func (f *FileManager) tick(ctx context.Context) (done bool, err error) {
	job := f.buildJobList()
	if len(job) == 0 {
		return true, nil
	}

	ranged := job[0].Range() != nil

	for _, seg := range job {
		if seg.Completed() {
			continue
		}
		if !seg.Downloaded() {
			if !ranged {
				// A rangeless segment must be merged strictly in list
				// order: pause here so later segments don't jump ahead.
				break
			}
			continue
		}

		var mergeErr error
		switch {
		case !seg.Merge:
			// Encrypted HLS segments (and the key segments they
			// reference) are never spliced into TempFile: the external
			// muxer reads each segment's own file via the local
			// playlist. Decrypt in place, then mark completed without
			// touching TempFile.
			mergeErr = f.decryptIfNeeded(ctx, seg)
		case seg.Range() != nil:
			mergeErr = f.mergeRanged(seg, seg.Range())
		default:
			mergeErr = f.mergeAppend(seg)
		}

		if mergeErr != nil {
			n := seg.IncMergeErrors()
			if n > f.settings.MaxMergeErrors {
				return false, fmt.Errorf("segment %d: %d merge errors: %w", seg.Index, n, mergeErr)
			}
			continue
		}

		seg.SetCompleted(true)
		// HLS segment files are kept: the muxer reads them through the
		// local playlist at finalize.
		if seg.Merge && !f.item.KeepTemp && !f.item.HasSubtype(models.SubtypeHLS) {
			os.Remove(seg.FilePath)
		}
	}

	for _, seg := range job {
		if !seg.Completed() {
			return false, nil
		}
	}
	return true, nil
}

// buildJobList computes segments not yet completed, sorted by range
// start ascending when ranged.
func (f *FileManager) buildJobList() []*models.Segment {
	all := f.item.Segments()
	job := make([]*models.Segment, 0, len(all))
	for _, seg := range all {
		if !seg.Completed() {
			job = append(job, seg)
		}
	}
	if len(job) == 0 {
		return job
	}
	if job[0].Range() != nil {
		sort.SliceStable(job, func(i, j int) bool {
			ri, rj := job[i].Range(), job[j].Range()
			if ri == nil || rj == nil {
				return ri != nil
			}
			return ri.Start < rj.Start
		})
	}
	return job
}

// mergeRanged splices a ranged segment's body into its target temp file
// at the correct offset. The file is closed on every
// segment to defeat OS write buffering, since some platforms hold a
// rename lock for up to ~90s while the file stays open.
func (f *FileManager) mergeRanged(seg *models.Segment, rng *models.ByteRange) error {
	target, err := os.OpenFile(seg.TempFile, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open target for seek-write: %w", err)
	}
	defer target.Close()

	if _, err := target.Seek(rng.Start, io.SeekStart); err != nil {
		return fmt.Errorf("seek target: %w", err)
	}

	src, err := os.Open(seg.FilePath)
	if err != nil {
		return fmt.Errorf("open segment body: %w", err)
	}
	defer src.Close()

	limited := io.LimitReader(src, rng.Len())
	if _, err := io.Copy(target, limited); err != nil {
		return fmt.Errorf("splice segment: %w", err)
	}
	return nil
}

// mergeAppend appends a rangeless segment to its target temp file in
// submission order.
func (f *FileManager) mergeAppend(seg *models.Segment) error {
	target, err := os.OpenFile(seg.TempFile, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open target for append: %w", err)
	}
	defer target.Close()

	src, err := os.Open(seg.FilePath)
	if err != nil {
		return fmt.Errorf("open segment body: %w", err)
	}
	defer src.Close()

	if _, err := io.Copy(target, src); err != nil {
		return fmt.Errorf("append segment: %w", err)
	}
	return nil
}

// persistJournal writes the progress journal unconditionally every tick,
// so an interrupted process can resume exactly.
func (f *FileManager) persistJournal() {
	entries := journal.FromSegments(f.item.Segments())
	if err := journal.Save(f.item.JournalPath, entries); err != nil && f.log != nil {
		f.log.Warn("journal save failed", "item", f.item.UID, "err", err)
	}
}

// finalize runs the HLS/DASH/audio/generic muxer step, subtitle
// downloads, and metadata re-mux, then marks the item completed.
func (f *FileManager) finalize(ctx context.Context) error {
	f.item.SetStatus(models.StatusProcessing)

	switch {
	case f.item.HasSubtype(models.SubtypeHLS):
		if err := f.muxer.MuxHLS(ctx, f.localPlaylistPath(), f.item.Target); err != nil {
			return f.fail(fmt.Errorf("hls finalize: %w", err))
		}
		f.removeTempDir()

	case f.item.HasSubtype(models.SubtypeDASH):
		if err := f.muxer.MuxDASH(ctx, f.item.TempFile, f.item.AudioTempFile, f.item.Target); err != nil {
			return f.fail(fmt.Errorf("dash finalize: %w", err))
		}
		os.Remove(f.item.TempFile)
		os.Remove(f.item.AudioTempFile)

	case f.item.Kind == models.KindAudio:
		if err := f.muxer.TranscodeAudio(ctx, f.item.TempFile, f.item.Target, f.item.Ext); err != nil {
			return f.fail(fmt.Errorf("audio finalize: %w", err))
		}
		os.Remove(f.item.TempFile)

	default:
		if _, err := os.Stat(f.item.Target); err == nil {
			os.Remove(f.item.TempFile)
		} else if err := os.Rename(f.item.TempFile, f.item.Target); err != nil {
			return f.fail(fmt.Errorf("rename to target: %w", err))
		}
	}

	f.downloadSubtitles(ctx)

	if f.settings.WriteMetadata {
		if err := f.writeMetadata(ctx); err != nil && f.log != nil {
			f.log.Warn("metadata re-mux failed", "item", f.item.UID, "err", err)
		}
	}

	if !f.item.KeepTemp {
		os.RemoveAll(f.item.TempDir)
	}

	f.item.SetStatus(models.StatusCompleted)
	return nil
}

func (f *FileManager) fail(err error) error {
	f.item.SetError(err)
	return err
}

func (f *FileManager) localPlaylistPath() string {
	return f.item.TempDir + "/local.m3u8"
}

func (f *FileManager) removeTempDir() {
	if !f.item.KeepTemp {
		os.RemoveAll(f.item.TempDir)
	}
}

// downloadSubtitles runs each selected subtitle fetch on a detached task,
// saving the body under the temp folder as its "lang.ext" key. The body
// is stored as fetched: no vtt to srt conversion is performed.
func (f *FileManager) downloadSubtitles(ctx context.Context) {
	if f.subs == nil {
		return
	}
	for key, url := range f.item.SubtitleMap {
		key, url := key, url
		go func() {
			dest := f.item.TempDir + "/" + key
			if err := f.subs.FetchSubtitle(ctx, url, dest); err != nil && f.log != nil {
				f.log.Warn("subtitle download failed", "item", f.item.UID, "lang", key, "err", err)
			}
		}()
	}
}

func (f *FileManager) writeMetadata(ctx context.Context) error {
	sidecar := f.item.Target + ".metadata.json"
	if err := os.WriteFile(sidecar, []byte("{}"), 0o644); err != nil {
		return err
	}
	return f.muxer.RemuxMetadata(ctx, f.item.Target, sidecar, f.item.Target)
}
