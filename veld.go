// Package veld provides a high-performance HLS/DASH/plain-file
// downloader: segmented, resumable, multi-connection transfers finished
// off by an external muxer.
//
// Basic usage:
//
//	d, err := veld.New(
//		veld.WithURL("https://example.com/video.m3u8"),
//		veld.WithDir("."),
//		veld.WithFileName("video.mp4"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := d.Download(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Or use the convenience function:
//
//	err := veld.DownloadURL(ctx, "https://example.com/video.m3u8", ".", "video.mp4")
package veld

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/veldget/veldget/internal/config"
	"github.com/veldget/veldget/internal/engine"
)

// Downloader is the main API for downloading a single item.
type Downloader struct {
	settings *config.Settings
	req      engine.Request
	logger   *log.Logger

	eng *engine.Engine
}

// Option configures a Downloader's request or its engine settings.
type Option func(*Downloader)

// New creates a Downloader with the given options, applied over
// config.Default().
func New(opts ...Option) (*Downloader, error) {
	d := &Downloader{
		settings: config.Default(),
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.settings.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// WithURL sets the source URL (required): a direct file, an HLS
// playlist, or the video half of a DASH-style two-stream pair.
func WithURL(url string) Option {
	return func(d *Downloader) { d.req.URL = url }
}

// WithAudioURL sets the audio stream URL for a DASH-style two-stream
// pair; leave unset for HLS or plain single-file downloads.
func WithAudioURL(url string) Option {
	return func(d *Downloader) { d.req.AudioURL = url }
}

// WithManifestURL sets an explicit HLS master manifest URL, when it
// differs from WithURL's media playlist.
func WithManifestURL(url string) Option {
	return func(d *Downloader) { d.req.ManifestURL = url }
}

// WithDir sets the destination directory.
func WithDir(dir string) Option {
	return func(d *Downloader) { d.req.Folder = dir }
}

// WithFileName sets the destination file name.
func WithFileName(filename string) Option {
	return func(d *Downloader) { d.req.FileName = filename }
}

// WithThreads sets the maximum number of concurrent range-GET
// connections per item (default 16).
func WithThreads(n int) Option {
	return func(d *Downloader) { d.settings.MaxConnections = n }
}

// WithHeaders sets custom HTTP headers for every request this item
// issues.
func WithHeaders(headers map[string]string) Option {
	return func(d *Downloader) {
		if d.req.Headers == nil {
			d.req.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			d.req.Headers[k] = v
		}
	}
}

// WithHeader adds a single HTTP header.
func WithHeader(key, value string) Option {
	return func(d *Downloader) {
		if d.req.Headers == nil {
			d.req.Headers = make(map[string]string)
		}
		d.req.Headers[key] = value
	}
}

// WithQuality selects an HLS rendition: "best" (default), a label like
// "1080p"/"4k"/"hd", or a bare pixel count. No-op for non-HLS items.
func WithQuality(selector string) Option {
	return func(d *Downloader) { d.req.QualitySelector = selector }
}

// WithSubtitles requests subtitle downloads; keys are "<lang>.<ext>",
// values are their source URLs.
func WithSubtitles(subs map[string]string) Option {
	return func(d *Downloader) { d.req.Subtitles = subs }
}

// WithKeepTemp leaves the temp folder in place after a successful
// finalize, instead of removing it.
func WithKeepTemp(keep bool) Option {
	return func(d *Downloader) { d.req.KeepTemp = keep }
}

// WithVerbose enables verbose muxer logging.
func WithVerbose(verbose bool) Option {
	return func(d *Downloader) { d.settings.Verbose = verbose }
}

// WithMaxBandwidth caps aggregate download speed in bytes per second.
// 0 (default) is unlimited.
func WithMaxBandwidth(bytesPerSec int64) Option {
	return func(d *Downloader) { d.settings.SpeedLimit = bytesPerSec }
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Downloader) { d.logger = logger }
}

// Download resolves the item's segment plan (or HLS manifest), then
// blocks until the transfer finishes or ctx is canceled.
func (d *Downloader) Download(ctx context.Context) error {
	client, err := engine.NewHTTPClient(d.settings)
	if err != nil {
		return err
	}
	eng, err := engine.New(d.req, d.settings, client, d.logger)
	if err != nil {
		return err
	}
	d.eng = eng
	return eng.Run(ctx)
}

// Progress returns the current transfer snapshot. Call after Download
// has started (from a separate goroutine) to poll it.
func (d *Downloader) Progress() Progress {
	if d.eng == nil {
		return Progress{}
	}
	item := d.eng.Item()
	return Progress{
		Status:     item.Status().String(),
		Downloaded: item.Downloaded(),
		Total:      item.TotalSize(),
		Speed:      item.Speed(),
	}
}

// DownloadURL is a convenience function for simple single-file/HLS
// downloads.
func DownloadURL(ctx context.Context, url, dir, filename string, opts ...Option) error {
	allOpts := append([]Option{WithURL(url), WithDir(dir), WithFileName(filename)}, opts...)
	d, err := New(allOpts...)
	if err != nil {
		return err
	}
	return d.Download(ctx)
}
