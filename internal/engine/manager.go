package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/veldget/veldget/internal/config"
	"github.com/veldget/veldget/internal/models"
)

// Job is one queued-or-running item under Manager's supervision.
type Job struct {
	ID        string
	Request   Request
	CreatedAt time.Time

	eng    *Engine
	cancel context.CancelFunc
	mu     sync.RWMutex
	err    error
	done   bool
}

// Status returns the job's current DownloadItem status, or
// StatusPending if it hasn't been assigned an Engine yet.
func (j *Job) Status() models.Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.eng == nil {
		return models.StatusPending
	}
	return j.eng.Item().Status()
}

// Progress reports the job's current byte counters, throughput, and ETA.
func (j *Job) Progress() TaskProgress {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.eng == nil {
		return TaskProgress{}
	}
	item := j.eng.Item()
	return TaskProgress{
		Downloaded: item.Downloaded(),
		Total:      item.TotalSize(),
		Speed:      item.Speed(),
		ETA:        elapsedETA(item),
	}
}

// Err returns the failure recorded when the job left the active set
// without completing.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// TaskProgress is a point-in-time snapshot of one job's transfer state.
type TaskProgress struct {
	Downloaded int64
	Total      int64
	Speed      int64
	ETA        time.Duration
}

// Manager runs up to settings.MaxConcurrentDownloads jobs at once from a
// FIFO queue, the same
// worker-pool-over-a-channel shape the engine uses one level down for
// Workers.
type Manager struct {
	settings *config.Settings
	client   *http.Client
	log      *log.Logger

	queue   chan *Job
	jobs    sync.Map // id -> *Job
	order   []string
	orderMu sync.Mutex

	wg      sync.WaitGroup
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	onStateChange func(j *Job)
}

// NewManager constructs a Manager bound to settings; Start begins
// draining its queue with settings.MaxConcurrentDownloads workers.
func NewManager(settings *config.Settings, logger *log.Logger, onStateChange func(j *Job)) (*Manager, error) {
	client, err := NewHTTPClient(settings)
	if err != nil {
		return nil, fmt.Errorf("build shared http client: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		settings:      settings,
		client:        client,
		log:           logger,
		queue:         make(chan *Job, 1024),
		ctx:           ctx,
		cancel:        cancel,
		onStateChange: onStateChange,
	}, nil
}

// Start launches the worker pool.
func (m *Manager) Start() {
	if m.running.Swap(true) {
		return
	}
	n := m.settings.MaxConcurrentDownloads
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Stop cancels in-flight jobs, waits for them to return, and stops the
// pool; queued-but-unstarted jobs are left in StatusPending.
func (m *Manager) Stop() {
	if !m.running.Swap(false) {
		return
	}
	close(m.queue)
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for job := range m.queue {
		select {
		case <-m.ctx.Done():
			return
		default:
			m.run(job)
		}
	}
}

func (m *Manager) run(job *Job) {
	ctx, cancel := context.WithCancel(m.ctx)
	job.mu.Lock()
	job.cancel = cancel
	job.mu.Unlock()
	defer cancel()

	eng, err := New(job.Request, m.settings, m.client, m.log)
	if err != nil {
		job.mu.Lock()
		job.err = err
		job.done = true
		job.mu.Unlock()
		m.notify(job)
		return
	}

	job.mu.Lock()
	job.eng = eng
	job.mu.Unlock()
	m.notify(job)

	err = eng.Run(ctx)

	job.mu.Lock()
	job.err = err
	job.done = true
	job.mu.Unlock()
	m.notify(job)
}

func (m *Manager) notify(job *Job) {
	if m.onStateChange != nil {
		m.onStateChange(job)
	}
}

// Submit enqueues req under id and returns its Job handle. Returns an
// error if id is already in use or the queue is saturated.
func (m *Manager) Submit(id string, req Request) (*Job, error) {
	if _, exists := m.jobs.Load(id); exists {
		return nil, fmt.Errorf("job %q already queued", id)
	}
	job := &Job{ID: id, Request: req, CreatedAt: time.Now()}
	m.jobs.Store(id, job)

	m.orderMu.Lock()
	m.order = append(m.order, id)
	m.orderMu.Unlock()

	select {
	case m.queue <- job:
	default:
		return nil, fmt.Errorf("job queue is full")
	}
	return job, nil
}

// Get returns the job registered under id, or nil.
func (m *Manager) Get(id string) *Job {
	if v, ok := m.jobs.Load(id); ok {
		return v.(*Job)
	}
	return nil
}

// All returns every known job in submission order.
func (m *Manager) All() []*Job {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()
	jobs := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		if v, ok := m.jobs.Load(id); ok {
			jobs = append(jobs, v.(*Job))
		}
	}
	return jobs
}

// Cancel signals the job's context, leaving its item to unwind through
// Brain's own cooperative-cancellation path.
func (m *Manager) Cancel(id string) error {
	job := m.Get(id)
	if job == nil {
		return fmt.Errorf("job %q not found", id)
	}
	job.mu.RLock()
	cancel := job.cancel
	eng := job.eng
	job.mu.RUnlock()
	if eng != nil {
		eng.Item().SetStatus(models.StatusCancelled)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}
