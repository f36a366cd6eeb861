// Package manifest builds a DownloadItem's segment graph from an HLS
// media playlist and rewrites it into a local playlist the external
// muxer can read. DASH items in this engine are two plain
// ranged URLs (video + audio), not an MPD manifest, so they need no
// parser of their own and are constructed directly by the engine
// package.
package manifest

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/veldget/veldget/internal/models"
)

var hlsAttrRe = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)

// parseAttributes splits an HLS tag's comma-separated KEY=VALUE list,
// tolerating quoted values that themselves contain commas.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range hlsAttrRe.FindAllStringSubmatch(s, -1) {
		if len(m) >= 3 {
			attrs[m[1]] = m[2]
		}
	}
	return attrs
}

// resolveURL resolves relative against base, passing absolute URLs
// through unchanged.
func resolveURL(base *url.URL, relative string) string {
	if strings.HasPrefix(relative, "http://") || strings.HasPrefix(relative, "https://") {
		return relative
	}
	rel, err := url.Parse(relative)
	if err != nil {
		return relative
	}
	return base.ResolveReference(rel).String()
}

// rewriteKeyURI turns an EXT-X-KEY URI into an absolute fetchable URL,
// applying the skd:// → https:// scheme rewrite Apple's FairPlay-style
// key URIs use.
func rewriteKeyURI(base *url.URL, raw string) string {
	raw = strings.Trim(raw, "\"")
	if strings.HasPrefix(raw, "skd://") {
		raw = "https://" + strings.TrimPrefix(raw, "skd://")
	}
	return resolveURL(base, raw)
}

func parseHexBytes(s string) []byte {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return nil
	}
	out := make([]byte, 0, len(s)/2)
	for i := 0; i+2 <= len(s); i += 2 {
		b, err := strconv.ParseUint(s[i:i+2], 16, 8)
		if err != nil {
			return nil
		}
		out = append(out, byte(b))
	}
	return out
}

// mediaEntry is one parsed segment line from a media playlist: its
// source URL and the decryption key in force at that point, if any.
type mediaEntry struct {
	url string
	key *models.KeyRef
}

// variantRendition is one #EXT-X-STREAM-INF entry from a master
// manifest: its media playlist URL plus the attributes a quality
// selector judges it by.
type variantRendition struct {
	url        string
	bandwidth  int64
	resolution int // vertical pixels, 0 if RESOLUTION was absent
}

// parseBandwidthAttr converts a BANDWIDTH attribute's bits-per-second
// value, defaulting to 0 when absent or malformed.
func parseBandwidthAttr(s string) int64 {
	n, err := strconv.ParseInt(strings.Trim(s, "\""), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseHeightAttr extracts the vertical pixel count from a RESOLUTION
// attribute like "1920x1080".
func parseHeightAttr(s string) int {
	s = strings.Trim(s, "\"")
	idx := strings.LastIndex(s, "x")
	if idx < 0 || idx == len(s)-1 {
		return 0
	}
	h, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return 0
	}
	return h
}

// parseQualityHeight translates a quality label ("1080p", "4k", "hd", a
// bare pixel count) into a target vertical resolution.
func parseQualityHeight(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "4k", "2160p", "uhd":
		return 2160
	case "1440p", "2k", "qhd":
		return 1440
	case "1080p", "fhd":
		return 1080
	case "720p", "hd":
		return 720
	case "480p", "sd":
		return 480
	case "360p":
		return 360
	case "240p":
		return 240
	default:
		if n, err := strconv.Atoi(strings.TrimSuffix(s, "p")); err == nil {
			return n
		}
		return 0
	}
}

// pickRendition chooses one variant's media playlist URL. An empty or
// "best"/"highest" selector picks the highest-bandwidth rendition; any
// other selector is parsed as a target resolution and the closest match
// wins. Returns "" when there are no variants to choose from.
func pickRendition(variants []variantRendition, selector string) string {
	if len(variants) == 0 {
		return ""
	}

	selector = strings.ToLower(strings.TrimSpace(selector))
	if selector == "" || selector == "best" || selector == "highest" {
		best := variants[0]
		for _, v := range variants[1:] {
			if v.bandwidth > best.bandwidth {
				best = v
			}
		}
		return best.url
	}

	target := parseQualityHeight(selector)
	if target == 0 {
		return variants[0].url
	}
	best := variants[0]
	bestDiff := abs(best.resolution - target)
	for _, v := range variants[1:] {
		if d := abs(v.resolution - target); d < bestDiff {
			best, bestDiff = v, d
		}
	}
	return best.url
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
