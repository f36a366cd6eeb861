// Package journal reads and writes the per-item progress journal: the
// single source of truth FileManager persists after every tick so an
// interrupted process can resume losslessly.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/veldget/veldget/internal/models"
)

// Entry is one segment descriptor as it appears in the journal's JSON
// array. Field names and shapes are the on-disk wire contract:
// {name, downloaded, completed, size, _range, media_type}.
type Entry struct {
	Name       string     `json:"name"`
	Downloaded bool       `json:"downloaded"`
	Completed  bool       `json:"completed"`
	Size       int64      `json:"size"`
	Range      *[2]int64  `json:"_range"`
	MediaType  string     `json:"media_type"`
}

// Load reads the journal at path. A missing file is not an error; it
// returns a nil slice, meaning "no prior progress".
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Save writes entries to path atomically: write to a sibling .tmp file,
// then rename over the target. The rename is the only way the on-disk
// journal ever changes, so a reader never observes a half-written file.
func Save(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// FromSegments renders the current segment list as journal entries.
func FromSegments(segs []*models.Segment) []Entry {
	entries := make([]Entry, 0, len(segs))
	for _, seg := range segs {
		e := Entry{
			Name:       seg.FilePath,
			Downloaded: seg.Downloaded(),
			Completed:  seg.Completed(),
			Size:       seg.Size,
			MediaType:  seg.Kind.String(),
		}
		if rng := seg.Range(); rng != nil {
			e.Range = &[2]int64{rng.Start, rng.End}
		}
		entries = append(entries, e)
	}
	return entries
}

// Reconcile applies journal entries onto a freshly-constructed segment
// list by matching on FilePath, and returns the sum of bytes the
// reconciled segments contribute to the item's downloaded counter.
//
// downloaded/completed are derived strictly from the
// on-disk byte count matching the declared size, not trusted blindly from
// the journal's boolean fields: a crash between a partial write and the
// next journal save must not resurrect a false "downloaded=true".
func Reconcile(entries []Entry, segs []*models.Segment) int64 {
	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}

	var total int64
	for _, seg := range segs {
		e, ok := byName[seg.FilePath]
		if !ok {
			continue
		}
		info, err := os.Stat(seg.FilePath)
		if err != nil {
			continue
		}
		onDisk := info.Size()
		sizeKnown := e.Size > 0
		matches := (sizeKnown && onDisk == e.Size) || (!sizeKnown && onDisk > 0)
		if !matches {
			continue
		}
		seg.SetDownloaded(true)
		seg.SetCompleted(e.Completed)
		seg.SetLiveBytes(onDisk)
		total += onDisk
	}
	return total
}

// Rebuild reconstructs a segment list directly from journal entries, for
// the case where ThreadManager's auto-segmentation produced a list that
// differs from the item's initial plan. tempFileFor/urlFor map a
// media_type string back to the DownloadItem's corresponding temp file
// path and source URL (video and audio differ for a DASH-style item).
func Rebuild(entries []Entry, urlFor func(mediaType string) string, tempFileFor func(mediaType string) string) []*models.Segment {
	segs := make([]*models.Segment, 0, len(entries))
	for i, e := range entries {
		kind := parseMediaKind(e.MediaType)
		var rng *models.ByteRange
		if e.Range != nil {
			rng = &models.ByteRange{Start: e.Range[0], End: e.Range[1]}
		}
		seg := models.NewSegment(i, kind, urlFor(e.MediaType), tempFileFor(e.MediaType), rng)
		seg.FilePath = e.Name
		seg.Size = e.Size
		seg.SetDownloaded(e.Downloaded)
		seg.SetCompleted(e.Completed)
		segs = append(segs, seg)
	}
	return segs
}

// NeedsRebuild reports whether the journal describes a segment shape
// (count or file set) different from segs, the item's freshly-built
// initial plan — the signal that ThreadManager's auto-segmentation
// split the plan before the process was interrupted.
func NeedsRebuild(entries []Entry, segs []*models.Segment) bool {
	if len(entries) != len(segs) {
		return true
	}
	byPath := make(map[string]bool, len(segs))
	for _, seg := range segs {
		byPath[seg.FilePath] = true
	}
	for _, e := range entries {
		if !byPath[e.Name] {
			return true
		}
	}
	return false
}

func parseMediaKind(s string) models.MediaKind {
	switch strings.ToLower(s) {
	case "video":
		return models.KindVideo
	case "audio":
		return models.KindAudio
	case "key":
		return models.KindKey
	case "subtitle":
		return models.KindSubtitle
	default:
		return models.KindGeneral
	}
}
