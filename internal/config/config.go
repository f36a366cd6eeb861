// Package config provides the engine's layered settings: compiled-in
// defaults, overlaid by an optional config file and environment
// variables (github.com/spf13/viper), with a small hot-reconfigurable
// subset exposed through an atomic Snapshot.
package config

import (
	"errors"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Sentinel errors surfaced by item construction and settings validation.
var (
	ErrMissingURL    = errors.New("url is required")
	ErrMissingFolder = errors.New("destination folder is required")
	ErrMissingName   = errors.New("destination file name is required")
)

// CollisionPolicy is the caller-chosen behavior when the target file
// already exists.
type CollisionPolicy int

const (
	CollisionRename CollisionPolicy = iota
	CollisionOverwrite
	CollisionCancel
)

// Default tuning constants, matching the reference downloader's observed
// defaults.
const (
	DefaultSegmentSize             int64         = 100 * 1024 // 100 KiB
	DefaultMaxConnections                        = 16
	DefaultMaxConcurrentDownloads                 = 3
	DefaultConnectTimeout          time.Duration = 10 * time.Second
	DefaultLowSpeedLimit           int64         = 1024 // 1 KiB/s
	DefaultLowSpeedDuration        time.Duration = 10 * time.Second
	DefaultLastBatchSpeed          int64         = 20 * 1024 // 20 KiB/s
	DefaultLastBatchDuration       time.Duration = 10 * time.Second
	DefaultMaxSegRetries                         = 10
	DefaultMaxMergeErrors                        = 10
	DefaultMaxTotalErrors                        = 100
	DefaultRefreshURLRetries                     = 3
	DefaultMaxRedirects                          = 10
	DefaultUserAgent                             = "veldget/1.0"
	DefaultConnIncreaseInterval    time.Duration = 500 * time.Millisecond
	DefaultDynamicManagerInterval  time.Duration = 200 * time.Millisecond
	DefaultAutoSegmentInterval     time.Duration = time.Second
	DefaultBrainPollInterval       time.Duration = 100 * time.Millisecond
	DefaultFileManagerTickInterval time.Duration = 100 * time.Millisecond
)

// SubtitleSelection names a subtitle language/extension pair to fetch.
type SubtitleSelection struct {
	Lang string
	Ext  string
}

// Settings is the engine-wide, effectively-immutable configuration value
// passed by reference into Brain at item start. The small set of knobs
// that must be re-readable mid-transfer (MaxConnections, SpeedLimit) are
// not read from here directly by ThreadManager; they're re-read each tick
// from a Snapshot built on top of a Settings value (see Snapshot below).
type Settings struct {
	SegmentSize int64

	MaxConnections         int
	MaxConcurrentDownloads int
	SpeedLimit             int64 // bytes/sec, 0 = unlimited

	ConnectTimeout    time.Duration
	LowSpeedLimit     int64
	LowSpeedDuration  time.Duration
	LastBatchSpeed    int64
	LastBatchDuration time.Duration

	MaxSegRetries     int
	MaxMergeErrors    int
	MaxTotalErrors    int
	RefreshURLRetries int
	MaxRedirects      int

	UserAgent  string
	Referer    string
	AcceptHTML bool
	VerifyTLS  bool

	ProxyURL      string
	CookieJarPath string
	BasicAuthUser string
	BasicAuthPass string

	WriteMetadata    bool
	ComputeChecksums bool
	NameCollision    CollisionPolicy

	Subtitles []SubtitleSelection

	MuxerPath string // empty = look up "ffmpeg" on PATH
	Verbose   bool
}

// Default returns Settings populated with the package defaults.
func Default() *Settings {
	return &Settings{
		SegmentSize:            DefaultSegmentSize,
		MaxConnections:         DefaultMaxConnections,
		MaxConcurrentDownloads: DefaultMaxConcurrentDownloads,
		ConnectTimeout:         DefaultConnectTimeout,
		LowSpeedLimit:          DefaultLowSpeedLimit,
		LowSpeedDuration:       DefaultLowSpeedDuration,
		LastBatchSpeed:         DefaultLastBatchSpeed,
		LastBatchDuration:      DefaultLastBatchDuration,
		MaxSegRetries:          DefaultMaxSegRetries,
		MaxMergeErrors:         DefaultMaxMergeErrors,
		MaxTotalErrors:         DefaultMaxTotalErrors,
		RefreshURLRetries:      DefaultRefreshURLRetries,
		MaxRedirects:           DefaultMaxRedirects,
		UserAgent:              DefaultUserAgent,
		VerifyTLS:              true,
		NameCollision:          CollisionRename,
	}
}

// Validate clamps out-of-range values and reports unrecoverable ones.
func (s *Settings) Validate() error {
	if s.MaxConnections < 1 {
		s.MaxConnections = 1
	}
	if s.MaxConcurrentDownloads < 1 {
		s.MaxConcurrentDownloads = 1
	}
	if s.SegmentSize <= 0 {
		s.SegmentSize = DefaultSegmentSize
	}
	if s.UserAgent == "" {
		s.UserAgent = DefaultUserAgent
	}
	return nil
}

// Load builds Settings from defaults overlaid with an optional config
// file (toml/yaml/json, auto-detected by viper from the extension) and
// environment variables under the VELDGET_ prefix. path may be empty, in
// which case only defaults and environment overrides apply.
func Load(path string) (*Settings, *viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("VELDGET")
	v.AutomaticEnv()

	s := Default()
	bindDefaults(v, s)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, err
		}
	}

	applyViper(v, s)
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	return s, v, nil
}

func bindDefaults(v *viper.Viper, s *Settings) {
	v.SetDefault("segment_size", s.SegmentSize)
	v.SetDefault("max_connections", s.MaxConnections)
	v.SetDefault("max_concurrent_downloads", s.MaxConcurrentDownloads)
	v.SetDefault("speed_limit", s.SpeedLimit)
	v.SetDefault("user_agent", s.UserAgent)
	v.SetDefault("accept_html", s.AcceptHTML)
	v.SetDefault("verify_tls", s.VerifyTLS)
	v.SetDefault("proxy_url", s.ProxyURL)
	v.SetDefault("write_metadata", s.WriteMetadata)
	v.SetDefault("compute_checksums", s.ComputeChecksums)
}

func applyViper(v *viper.Viper, s *Settings) {
	s.SegmentSize = v.GetInt64("segment_size")
	s.MaxConnections = v.GetInt("max_connections")
	s.MaxConcurrentDownloads = v.GetInt("max_concurrent_downloads")
	s.SpeedLimit = v.GetInt64("speed_limit")
	s.UserAgent = v.GetString("user_agent")
	s.AcceptHTML = v.GetBool("accept_html")
	s.VerifyTLS = v.GetBool("verify_tls")
	s.ProxyURL = v.GetString("proxy_url")
	s.WriteMetadata = v.GetBool("write_metadata")
	s.ComputeChecksums = v.GetBool("compute_checksums")
}

// Snapshot holds the hot-reconfigurable subset of Settings (connection
// count ceiling and speed limit) behind a read-write lock; the
// ThreadManager re-reads it every tick.
type Snapshot struct {
	mu             sync.RWMutex
	maxConnections int
	speedLimit     int64
}

// NewSnapshot seeds a Snapshot from Settings.
func NewSnapshot(s *Settings) *Snapshot {
	snap := &Snapshot{}
	snap.Store(s.MaxConnections, s.SpeedLimit)
	return snap
}

// Load returns the current (maxConnections, speedLimit) pair.
func (s *Snapshot) Load() (maxConnections int, speedLimit int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxConnections, s.speedLimit
}

// Store updates the snapshot.
func (s *Snapshot) Store(maxConnections int, speedLimit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConnections = maxConnections
	s.speedLimit = speedLimit
}

// Watch re-reads Settings whenever the backing config file changes on
// disk (viper's fsnotify-backed watch) and pushes the hot-reloadable
// knobs into snap.
func Watch(v *viper.Viper, s *Settings, snap *Snapshot, onChange func()) {
	v.OnConfigChange(func(e fsnotify.Event) {
		applyViper(v, s)
		_ = s.Validate()
		snap.Store(s.MaxConnections, s.SpeedLimit)
		if onChange != nil {
			onChange()
		}
	})
	v.WatchConfig()
}
