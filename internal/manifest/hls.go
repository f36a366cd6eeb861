package manifest

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/veldget/veldget/internal/models"
)

// HLSPreprocessor implements brain.ManifestPreprocessor for HLS items. It
// also exposes the local-playlist rewrite the HLS post-processor hands to
// the external muxer.
type HLSPreprocessor struct {
	resty *resty.Client
}

// NewHLSPreprocessor constructs a preprocessor using client for manifest
// and key fetches.
func NewHLSPreprocessor(client *http.Client) *HLSPreprocessor {
	return &HLSPreprocessor{resty: resty.NewWithClient(client)}
}

// Prepare refreshes short-lived media URLs from the master manifest
// (when known), fetches the video (and, for DASH-over-HLS items, audio)
// media playlists, rejects SAMPLE-AES, builds the segment graph, and
// writes the local playlist.
func (p *HLSPreprocessor) Prepare(ctx context.Context, item *models.DownloadItem) error {
	item.AddSubtype(models.SubtypeHLS)

	if item.ManifestURL != "" {
		if err := p.refreshFromMaster(ctx, item); err != nil {
			return errors.Wrap(err, "refresh master manifest")
		}
	}

	videoEntries, videoKeyed, err := p.fetchMediaPlaylist(ctx, item, item.EffectiveURL)
	if err != nil {
		return errors.Wrap(err, "fetch video media playlist")
	}

	var audioEntries []mediaEntry
	var audioKeyed bool
	if item.AudioURL != "" {
		audioEntries, audioKeyed, err = p.fetchMediaPlaylist(ctx, item, item.AudioURL)
		if err != nil {
			return errors.Wrap(err, "fetch audio media playlist")
		}
	}

	if videoKeyed || audioKeyed {
		item.AddSubtype(models.SubtypeEncrypted)
	}

	segs := buildSegments(videoEntries, models.KindVideo, item.TempDir, item.TempFile, item.HasSubtype(models.SubtypeEncrypted))
	segs = append(segs, buildSegments(audioEntries, models.KindAudio, item.TempDir, item.AudioTempFile, item.HasSubtype(models.SubtypeEncrypted))...)
	segs = appendKeySegments(segs, item.TempDir)
	item.SetSegments(segs)

	return p.writeLocalPlaylist(item, segs)
}

// refreshFromMaster implements step 1: fetch the master manifest and
// (unless it turns out to already be a media playlist) parse
// #EXT-X-STREAM-INF / #EXT-X-MEDIA to refresh this session's video and
// audio media playlist URLs, since those URLs are typically short-lived.
func (p *HLSPreprocessor) refreshFromMaster(ctx context.Context, item *models.DownloadItem) error {
	content, err := p.fetchText(ctx, item.ManifestURL, item.Headers)
	if err != nil {
		return err
	}

	debugPath := filepath.Join(item.TempDir, "master.m3u8")
	os.MkdirAll(item.TempDir, 0o755)
	os.WriteFile(debugPath, []byte(content), 0o644)

	if strings.Contains(content, "#EXT-X-TARGETDURATION") {
		if item.EffectiveURL == "" {
			item.EffectiveURL = item.ManifestURL
		}
		return nil
	}

	base, err := url.Parse(item.ManifestURL)
	if err != nil {
		return err
	}

	var pendingAttrs map[string]string
	var variants []variantRendition
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pendingAttrs = parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))

		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			if strings.EqualFold(strings.Trim(attrs["TYPE"], "\""), "AUDIO") {
				if uri, ok := attrs["URI"]; ok {
					item.AudioURL = resolveURL(base, strings.Trim(uri, "\""))
				}
			}

		case !strings.HasPrefix(line, "#") && line != "" && pendingAttrs != nil:
			variants = append(variants, variantRendition{
				url:        resolveURL(base, line),
				bandwidth:  parseBandwidthAttr(pendingAttrs["BANDWIDTH"]),
				resolution: parseHeightAttr(pendingAttrs["RESOLUTION"]),
			})
			pendingAttrs = nil
		}
	}

	if best := pickRendition(variants, item.QualitySelector); best != "" {
		item.EffectiveURL = best
	}
	return nil
}

// fetchMediaPlaylist fetches and parses one media playlist, rejecting
// SAMPLE-AES and returning whether any key was present at all.
func (p *HLSPreprocessor) fetchMediaPlaylist(ctx context.Context, item *models.DownloadItem, playlistURL string) ([]mediaEntry, bool, error) {
	content, err := p.fetchText(ctx, playlistURL, item.Headers)
	if err != nil {
		return nil, false, err
	}
	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, false, err
	}
	return parseMediaPlaylist(content, base)
}

// parseMediaPlaylist walks the playlist, carrying forward the current
// decryption key across #EXTINF entries.
func parseMediaPlaylist(content string, base *url.URL) ([]mediaEntry, bool, error) {
	var entries []mediaEntry
	var currentKey *models.KeyRef
	keyed := false

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			method := strings.Trim(attrs["METHOD"], "\"")
			if strings.EqualFold(method, "SAMPLE-AES") {
				return nil, false, fmt.Errorf("SAMPLE-AES encryption is not supported by the muxer")
			}
			if strings.EqualFold(method, "NONE") || method == "" {
				currentKey = nil
				continue
			}
			keyed = true
			key := &models.KeyRef{Method: method}
			if uri, ok := attrs["URI"]; ok {
				key.URL = rewriteKeyURI(base, uri)
			}
			if iv, ok := attrs["IV"]; ok {
				key.IV = parseHexBytes(iv)
			}
			currentKey = key

		case !strings.HasPrefix(line, "#") && line != "":
			entries = append(entries, mediaEntry{url: resolveURL(base, line), key: currentKey})
		}
	}
	return entries, keyed, nil
}

// buildSegments renders parsed playlist entries into Segments. merge=false
// for encrypted items: the muxer, not FileManager, assembles the final
// artifact from per-segment files.
func buildSegments(entries []mediaEntry, kind models.MediaKind, tempDir, tempFile string, encrypted bool) []*models.Segment {
	segs := make([]*models.Segment, 0, len(entries))
	for i, e := range entries {
		seg := models.NewSegment(i, kind, e.url, tempFile, nil)
		seg.FilePath = filepath.Join(tempDir, kind.String()+"_"+seg.Name)
		seg.Key = e.key
		seg.Merge = !encrypted
		segs = append(segs, seg)
	}
	return segs
}

// appendKeySegments adds one kind=key Segment per distinct key URL
// referenced by segs, so ThreadManager schedules key fetches exactly
// once regardless of how many media segments share a key.
func appendKeySegments(segs []*models.Segment, tempDir string) []*models.Segment {
	seen := make(map[string]bool)
	next := len(segs)
	for _, seg := range segs {
		if seg.Key == nil || seg.Key.URL == "" || seen[seg.Key.URL] {
			continue
		}
		seen[seg.Key.URL] = true
		keySeg := models.NewSegment(next, models.KindKey, seg.Key.URL, "", nil)
		keySeg.FilePath = filepath.Join(tempDir, keySeg.Name+".key")
		keySeg.Merge = false
		segs = append(segs, keySeg)
		next++
	}
	return segs
}

// writeLocalPlaylist renders a media playlist with each segment's URL
// rewritten to the local file path it will be downloaded to, which is
// what the external muxer reads at finalize time instead of re-fetching
// from the origin.
func (p *HLSPreprocessor) writeLocalPlaylist(item *models.DownloadItem, segs []*models.Segment) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")
	for _, seg := range segs {
		if seg.Kind != models.KindVideo && seg.Kind != models.KindAudio {
			continue
		}
		b.WriteString("#EXTINF:0,\n")
		b.WriteString(seg.FilePath)
		b.WriteString("\n")
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	path := filepath.Join(item.TempDir, "local.m3u8")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// fetchText retrieves a manifest, playlist, or key body over the shared
// connection-pooled client, wrapped in resty for its header/status
// ergonomics.
func (p *HLSPreprocessor) fetchText(ctx context.Context, u string, headers map[string]string) (string, error) {
	resp, err := p.resty.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(u)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode(), u)
	}
	return string(resp.Body()), nil
}
