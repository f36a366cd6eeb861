package veld

import (
	"github.com/charmbracelet/log"

	"github.com/veldget/veldget/internal/config"
	"github.com/veldget/veldget/internal/engine"
)

// Manager runs multiple downloads at once, bounded by
// settings.MaxConcurrentDownloads, queuing the rest.
type Manager struct {
	inner *engine.Manager
}

// ManagerOption configures the Manager.
type ManagerOption func(*config.Settings)

// WithMaxConcurrent sets the maximum number of concurrent downloads.
func WithMaxConcurrent(n int) ManagerOption {
	return func(s *config.Settings) {
		if n < 1 {
			n = 1
		}
		s.MaxConcurrentDownloads = n
	}
}

// NewManager creates a Manager. Call Start to begin processing its
// queue and Stop to cancel running jobs and shut it down.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	settings := config.Default()
	for _, opt := range opts {
		opt(settings)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	inner, err := engine.NewManager(settings, log.Default(), nil)
	if err != nil {
		return nil, err
	}
	return &Manager{inner: inner}, nil
}

// Start begins processing the download queue.
func (m *Manager) Start() { m.inner.Start() }

// Stop gracefully stops the manager and waits for active downloads to
// unwind.
func (m *Manager) Stop() { m.inner.Stop() }

// Submit queues a download under id. Only request options (URL, folder,
// file name, headers, quality, subtitles, keep-temp) apply to this item;
// settings and logger options are not applied, since the Manager's own
// settings govern every job.
func (m *Manager) Submit(id string, opts ...Option) error {
	d := &Downloader{settings: config.Default()}
	for _, opt := range opts {
		opt(d)
	}
	_, err := m.inner.Submit(id, d.req)
	return err
}

// Progress returns the queued/running job's current transfer snapshot.
func (m *Manager) Progress(id string) Progress {
	job := m.inner.Get(id)
	if job == nil {
		return Progress{}
	}
	p := job.Progress()
	return Progress{
		Status:     job.Status().String(),
		Downloaded: p.Downloaded,
		Total:      p.Total,
		Speed:      p.Speed,
	}
}

// Cancel stops a queued or running job.
func (m *Manager) Cancel(id string) error { return m.inner.Cancel(id) }
