package manifest

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAttributes(t *testing.T) {
	attrs := parseAttributes(`BANDWIDTH=1280000,RESOLUTION=1920x1080,CODECS="avc1.64001f,mp4a.40.2"`)
	assert.Equal(t, "1280000", attrs["BANDWIDTH"])
	assert.Equal(t, "1920x1080", attrs["RESOLUTION"])
	assert.Equal(t, `"avc1.64001f,mp4a.40.2"`, attrs["CODECS"])
}

func TestResolveURL(t *testing.T) {
	base, err := url.Parse("https://cdn.example.com/video/master.m3u8")
	require.NoError(t, err)

	assert.Equal(t, "https://other.example.com/x.m3u8", resolveURL(base, "https://other.example.com/x.m3u8"))
	assert.Equal(t, "https://cdn.example.com/video/720p.m3u8", resolveURL(base, "720p.m3u8"))
}

func TestRewriteKeyURI(t *testing.T) {
	base, err := url.Parse("https://cdn.example.com/video/master.m3u8")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/key", rewriteKeyURI(base, `"skd://cdn.example.com/key"`))
	assert.Equal(t, "https://cdn.example.com/video/key.bin", rewriteKeyURI(base, `"key.bin"`))
}

func TestParseHexBytes(t *testing.T) {
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, parseHexBytes("0xDEADBEEF"))
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, parseHexBytes("DEADBEEF"))
	assert.Nil(t, parseHexBytes("abc")) // odd length
}

func TestParseBandwidthAttr(t *testing.T) {
	assert.Equal(t, int64(1280000), parseBandwidthAttr(`1280000`))
	assert.Equal(t, int64(0), parseBandwidthAttr(`not-a-number`))
}

func TestParseHeightAttr(t *testing.T) {
	assert.Equal(t, 1080, parseHeightAttr(`"1920x1080"`))
	assert.Equal(t, 0, parseHeightAttr(`garbage`))
}

func TestParseQualityHeight(t *testing.T) {
	assert.Equal(t, 2160, parseQualityHeight("4k"))
	assert.Equal(t, 1080, parseQualityHeight("1080p"))
	assert.Equal(t, 720, parseQualityHeight("hd"))
	assert.Equal(t, 540, parseQualityHeight("540p"))
	assert.Equal(t, 0, parseQualityHeight("nonsense"))
}

func TestPickRenditionBest(t *testing.T) {
	variants := []variantRendition{
		{url: "low.m3u8", bandwidth: 500000, resolution: 480},
		{url: "high.m3u8", bandwidth: 3000000, resolution: 1080},
		{url: "mid.m3u8", bandwidth: 1500000, resolution: 720},
	}

	assert.Equal(t, "high.m3u8", pickRendition(variants, "best"))
	assert.Equal(t, "high.m3u8", pickRendition(variants, ""))
}

func TestPickRenditionByResolution(t *testing.T) {
	variants := []variantRendition{
		{url: "low.m3u8", bandwidth: 500000, resolution: 480},
		{url: "high.m3u8", bandwidth: 3000000, resolution: 1080},
		{url: "mid.m3u8", bandwidth: 1500000, resolution: 720},
	}

	assert.Equal(t, "mid.m3u8", pickRendition(variants, "720p"))
	assert.Equal(t, "high.m3u8", pickRendition(variants, "4k"), "closest match to an unreachable target wins")
}

func TestPickRenditionEmpty(t *testing.T) {
	assert.Equal(t, "", pickRendition(nil, "best"))
}
