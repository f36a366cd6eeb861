// Command veldget is the CLI front end for the veld download engine: a
// single-item segmented downloader for plain files, HLS streams, and
// DASH-style two-URL video+audio pairs.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	veld "github.com/veldget/veldget"
)

var (
	version = "dev"
	commit  = "none"
)

type headerFlags []string

func (h headerFlags) toMap() map[string]string {
	out := make(map[string]string, len(h))
	for _, kv := range h {
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

type subtitleFlags []string

// toMap parses "lang.ext=https://..." pairs into veld.WithSubtitles' shape.
func (s subtitleFlags) toMap() map[string]string {
	out := make(map[string]string, len(s))
	for _, kv := range s {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "veldget",
		Short:         "Segmented, resumable downloader for files, HLS, and DASH-style streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newGetCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("veldget %s (%s)\n", version, commit)
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	var (
		audioURL    string
		manifestURL string
		outputDir   string
		outputName  string
		threads     int
		maxParallel int
		headers     headerFlags
		subtitles   subtitleFlags
		quality     string
		keepTemp    bool
		verbose     bool
		noProgress  bool
		maxBandwidth int64
	)

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Download a single item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]

			logger := log.New(os.Stderr)
			if verbose {
				logger.SetLevel(log.DebugLevel)
			} else {
				logger.SetLevel(log.WarnLevel)
			}

			if outputDir == "" {
				outputDir = "."
			}
			if outputName == "" {
				outputName = deriveName(url)
			}

			opts := []veld.Option{
				veld.WithURL(url),
				veld.WithDir(outputDir),
				veld.WithFileName(outputName),
				veld.WithThreads(threads),
				veld.WithKeepTemp(keepTemp),
				veld.WithVerbose(verbose),
				veld.WithLogger(logger),
			}
			if audioURL != "" {
				opts = append(opts, veld.WithAudioURL(audioURL))
			}
			if manifestURL != "" {
				opts = append(opts, veld.WithManifestURL(manifestURL))
			}
			if quality != "" {
				opts = append(opts, veld.WithQuality(quality))
			}
			if len(headers) > 0 {
				opts = append(opts, veld.WithHeaders(headers.toMap()))
			}
			if len(subtitles) > 0 {
				opts = append(opts, veld.WithSubtitles(subtitles.toMap()))
			}
			if maxBandwidth > 0 {
				opts = append(opts, veld.WithMaxBandwidth(maxBandwidth))
			}

			d, err := veld.New(opts...)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			done := make(chan struct{})
			if !noProgress {
				go watchProgress(d, done)
			}

			err = d.Download(ctx)
			close(done)
			if !noProgress {
				fmt.Println()
			}

			if err != nil {
				fmt.Fprintln(os.Stderr, renderOutcome(false, err.Error()))
				return err
			}
			fmt.Println(renderOutcome(true, filepath.Join(outputDir, outputName)))
			return nil
		},
	}

	cmd.Flags().StringVar(&audioURL, "audio-url", "", "audio stream URL for a DASH-style two-stream pair")
	cmd.Flags().StringVar(&manifestURL, "manifest-url", "", "HLS master manifest URL, if different from <url>")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "d", "", "destination directory (default \".\")")
	cmd.Flags().StringVarP(&outputName, "output", "o", "", "destination file name (default derived from the URL)")
	cmd.Flags().IntVarP(&threads, "threads", "n", 16, "maximum concurrent range-GET connections")
	cmd.Flags().IntVar(&maxParallel, "parallel", 1, "unused for a single get; see the manager API for multi-item concurrency")
	cmd.Flags().VarP(&headers, "header", "H", "extra HTTP header as \"Key: Value\" (repeatable)")
	cmd.Flags().Var(&subtitles, "subtitle", "subtitle as \"lang.ext=url\" (repeatable)")
	cmd.Flags().StringVarP(&quality, "quality", "q", "best", "HLS rendition: \"best\", a label like \"1080p\", or a pixel count")
	cmd.Flags().BoolVar(&keepTemp, "keep-temp", false, "keep the temp folder after a successful finalize")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose engine/muxer logging")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	cmd.Flags().Int64Var(&maxBandwidth, "max-bandwidth", 0, "cap aggregate speed in bytes/sec (0 = unlimited)")

	return cmd
}

func (h *headerFlags) String() string     { return strings.Join(*h, ",") }
func (h *headerFlags) Set(v string) error { *h = append(*h, v); return nil }
func (h *headerFlags) Type() string       { return "stringArray" }

func (s *subtitleFlags) String() string     { return strings.Join(*s, ",") }
func (s *subtitleFlags) Set(v string) error { *s = append(*s, v); return nil }
func (s *subtitleFlags) Type() string       { return "stringArray" }

func watchProgress(d *veld.Downloader, done <-chan struct{}) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p := d.Progress()
			fmt.Fprint(os.Stderr, renderProgressLine(p.Downloaded, p.Total, p.Speed))
		}
	}
}

func deriveName(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	name := filepath.Base(p)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}
