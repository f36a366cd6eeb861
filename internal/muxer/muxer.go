// Package muxer invokes an external ffmpeg binary to assemble the final
// artifact: HLS local-playlist muxing, DASH video+audio merge, audio
// transcoding, subtitle conversion, and metadata re-mux. The HLS, DASH,
// and audio operations try stream-copy first and fall back to a full
// re-encode on failure; subtitle conversion and metadata re-mux run once.
package muxer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Muxer drives an external ffmpeg binary. The zero value looks up
// "ffmpeg" on PATH; set Path to use a specific binary.
type Muxer struct {
	Path    string
	Verbose bool
}

// New resolves the ffmpeg binary, preferring an explicit path over a
// PATH lookup.
func New(path string, verbose bool) (*Muxer, error) {
	m := &Muxer{Path: path, Verbose: verbose}
	if m.Path == "" {
		found, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found on PATH: %w", err)
		}
		m.Path = found
	}
	return m, nil
}

// MuxHLS assembles the target from a local media playlist: stream-copy first, full transcode on failure.
// The muxer is given the local rewrite (absolute file paths) so it never
// re-fetches from the origin.
func (m *Muxer) MuxHLS(ctx context.Context, playlistPath, outputPath string) error {
	copyArgs := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-protocol_whitelist", "file,http,https,tcp,tls,crypto",
		"-allowed_extensions", "ALL",
		"-i", playlistPath,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		outputPath,
	}
	if err := m.run(ctx, copyArgs); err == nil {
		return nil
	}

	transcodeArgs := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-protocol_whitelist", "file,http,https,tcp,tls,crypto",
		"-allowed_extensions", "ALL",
		"-i", playlistPath,
		outputPath,
	}
	return m.run(ctx, transcodeArgs)
}

// MuxDASH merges a video temp file and an audio temp file into the
// target, stream-copy first.
func (m *Muxer) MuxDASH(ctx context.Context, videoPath, audioPath, outputPath string) error {
	copyArgs := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", videoPath, "-i", audioPath,
		"-map", "0", "-map", "1",
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	}
	if err := m.run(ctx, copyArgs); err == nil {
		return nil
	}

	transcodeArgs := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", videoPath, "-i", audioPath,
		"-map", "0", "-map", "1",
		outputPath,
	}
	return m.run(ctx, transcodeArgs)
}

// TranscodeAudio converts an audio-only temp file to the target
// container, stream-copy first. ffmpeg picks the container from
// outputPath; ext selects the audio codec of the re-encode fallback.
func (m *Muxer) TranscodeAudio(ctx context.Context, inputPath, outputPath, ext string) error {
	copyArgs := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-c:a", "copy",
		"-vn",
		outputPath,
	}
	if err := m.run(ctx, copyArgs); err == nil {
		return nil
	}

	codec := defaultAudioCodec(ext)
	transcodeArgs := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-c:a", codec,
		"-vn",
		outputPath,
	}
	return m.run(ctx, transcodeArgs)
}

func defaultAudioCodec(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "mp3":
		return "libmp3lame"
	case "opus":
		return "libopus"
	case "flac":
		return "flac"
	default:
		return "aac"
	}
}

// ConvertSubtitle converts a vtt subtitle to srt.
func (m *Muxer) ConvertSubtitle(ctx context.Context, inputPath, outputPath string) error {
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", inputPath, outputPath}
	if err := m.run(ctx, args); err != nil {
		return err
	}
	if outputPath != inputPath {
		os.Remove(inputPath)
	}
	return nil
}

// RemuxMetadata re-muxes the target in place with a sidecar metadata
// file applied.
func (m *Muxer) RemuxMetadata(ctx context.Context, inputPath, metadataPath, outputPath string) error {
	scratch := outputPath + ".metatmp"
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-i", metadataPath,
		"-map_metadata", "1",
		"-c", "copy",
		scratch,
	}
	if err := m.run(ctx, args); err != nil {
		os.Remove(scratch)
		return err
	}
	return os.Rename(scratch, outputPath)
}

func (m *Muxer) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, m.Path, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if m.Verbose {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		if m.Verbose {
			return err
		}
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}
