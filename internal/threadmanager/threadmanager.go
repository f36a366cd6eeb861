// Package threadmanager implements the connection scheduler: it leases a
// bounded pool of Workers against a job list of unlocked, undownloaded
// segments, throttles concurrency in response to transient errors, grows
// it back gently, and auto-segments long in-flight ranges when the job
// list runs dry.
package threadmanager

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/veldget/veldget/internal/config"
	"github.com/veldget/veldget/internal/models"
	"github.com/veldget/veldget/internal/worker"
)

func errSegmentRetriesExhausted(index int) error {
	return fmt.Errorf("segment %d: exceeded max retries", index)
}

func errTooManyErrors() error {
	return fmt.Errorf("too many transfer errors")
}

// ThreadManager schedules Workers against one DownloadItem's segments.
type ThreadManager struct {
	item     *models.DownloadItem
	settings *config.Settings
	snap     *config.Snapshot
	client   *http.Client
	log      *log.Logger

	pool []*worker.Worker
	free chan *worker.Worker

	outcomes chan worker.Outcome
	errCh    chan string

	limitedConnections   int
	connIncreaseInterval time.Duration
	lastCut              time.Time
	totalErrors          int
	seenErrs             map[string]bool

	jobList    []*models.Segment
	failedJobs []*models.Segment
	failedMu   sync.Mutex

	lastDynamicTick time.Time
	lastAutoSegment time.Time
	lastBytes       int64

	live int32
	liveMu sync.Mutex

	wg sync.WaitGroup
}

// New constructs a ThreadManager for item, bounded initially by
// settings/snap's max_connections.
func New(item *models.DownloadItem, settings *config.Settings, snap *config.Snapshot, client *http.Client, logger *log.Logger) *ThreadManager {
	maxConns, _ := snap.Load()
	tm := &ThreadManager{
		item:                  item,
		settings:              settings,
		snap:                  snap,
		client:                client,
		log:                   logger,
		outcomes:              make(chan worker.Outcome, maxConns+1),
		errCh:                 make(chan string, 64),
		limitedConnections:    1, // soft-start
		connIncreaseInterval:  config.DefaultConnIncreaseInterval,
		seenErrs:              make(map[string]bool),
		lastDynamicTick:       time.Now(),
		lastAutoSegment:       time.Now(),
		lastCut:               time.Now(),
	}
	tm.growPool(maxConns)
	return tm
}

func (tm *ThreadManager) growPool(target int) {
	if tm.free == nil {
		tm.free = make(chan *worker.Worker, target+8)
	}
	for len(tm.pool) < target {
		w := worker.New(len(tm.pool), tm.client, tm.log)
		tm.pool = append(tm.pool, w)
		tm.free <- w
	}
}

// Run drives the scheduling loop until the job list, live workers, and
// failed-jobs queue are all simultaneously empty, or ctx is cancelled.
func (tm *ThreadManager) Run(ctx context.Context, quit <-chan struct{}) error {
	tm.rebuildJobList()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			tm.drainLive(ctx)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case o := <-tm.outcomes:
			tm.handleOutcome(o)
		case <-ticker.C:
			tm.tick(ctx)
		}

		if tm.terminal() {
			tm.rebuildJobList()
			if tm.terminal() {
				return nil
			}
		}
	}
}

func (tm *ThreadManager) drainLive(ctx context.Context) {
	for tm.loadLive() > 0 {
		select {
		case o := <-tm.outcomes:
			tm.handleOutcome(o)
		case <-ctx.Done():
			return
		}
	}
}

func (tm *ThreadManager) terminal() bool {
	tm.failedMu.Lock()
	failedEmpty := len(tm.failedJobs) == 0
	tm.failedMu.Unlock()
	return tm.loadLive() == 0 && len(tm.jobList) == 0 && failedEmpty
}

func (tm *ThreadManager) loadLive() int32 {
	tm.liveMu.Lock()
	defer tm.liveMu.Unlock()
	return tm.live
}

func (tm *ThreadManager) addLive(delta int32) int32 {
	tm.liveMu.Lock()
	defer tm.liveMu.Unlock()
	tm.live += delta
	return tm.live
}

// tick performs one scheduling pass: rebuild-on-failure, pool growth,
// the dynamic connection manager, auto-segmentation, and leasing.
func (tm *ThreadManager) tick(ctx context.Context) {
	tm.failedMu.Lock()
	hasFailed := len(tm.failedJobs) > 0
	tm.failedMu.Unlock()
	if hasFailed {
		tm.rebuildJobList()
	}

	maxConns, speedLimit := tm.snap.Load()
	tm.growPool(maxConns)

	allowable := tm.limitedConnections
	if maxConns < allowable {
		allowable = maxConns
	}
	if allowable < 1 {
		allowable = 1
	}

	if time.Since(tm.lastDynamicTick) >= config.DefaultDynamicManagerInterval {
		tm.runDynamicManager(maxConns)
		tm.lastDynamicTick = time.Now()
	}

	if tm.loadLive() > 0 && len(tm.jobList) == 0 {
		if time.Since(tm.lastAutoSegment) >= config.DefaultAutoSegmentInterval {
			tm.autoSegment()
			tm.lastAutoSegment = time.Now()
		}
	}

	stabilized := time.Since(tm.lastCut) >= config.DefaultDynamicManagerInterval*3
	perWorkerSpeed := int64(0)
	if speedLimit > 0 {
		if stabilized && allowable > 0 {
			perWorkerSpeed = speedLimit / int64(allowable)
		} else if maxConns > 0 {
			perWorkerSpeed = speedLimit / int64(maxConns)
		}
	}

	for tm.loadLive() < int32(allowable) && len(tm.jobList) > 0 {
		select {
		case w := <-tm.free:
			seg := tm.popJob()
			if seg == nil {
				tm.free <- w
				break
			}
			tighten := int32(len(tm.jobList)) <= int32(allowable)
			minSpeed := tm.settings.LowSpeedLimit
			minWindow := tm.settings.LowSpeedDuration
			if tighten {
				minSpeed = config.DefaultLastBatchSpeed
				minWindow = config.DefaultLastBatchDuration
			}
			if !w.Reuse(seg, tm.item, perWorkerSpeed, minSpeed, minWindow, tm.settings.AcceptHTML) {
				tm.requeue(seg)
				tm.free <- w
				break
			}
			tm.addLive(1)
			tm.item.IncLiveWorkers(1)
			tm.wg.Add(1)
			go tm.runWorker(ctx, w)
		default:
			return
		}
	}
}

func (tm *ThreadManager) runWorker(ctx context.Context, w *worker.Worker) {
	defer tm.wg.Done()
	o := w.Run(ctx)
	tm.free <- w
	tm.addLive(-1)
	tm.item.IncLiveWorkers(-1)
	select {
	case tm.outcomes <- o:
	case <-ctx.Done():
	}
}

func (tm *ThreadManager) handleOutcome(o worker.Outcome) {
	if o.Succeeded {
		return
	}
	if o.Err != nil {
		select {
		case tm.errCh <- o.Err.Error():
		default:
		}
	}
	if !o.Requeue {
		return
	}
	if o.Segment.IncRetries() >= tm.settings.MaxSegRetries {
		tm.item.SetError(errSegmentRetriesExhausted(o.Segment.Index))
		return
	}
	tm.requeue(o.Segment)
}

func (tm *ThreadManager) requeue(seg *models.Segment) {
	tm.failedMu.Lock()
	tm.failedJobs = append(tm.failedJobs, seg)
	tm.failedMu.Unlock()
}

func (tm *ThreadManager) popJob() *models.Segment {
	if len(tm.jobList) == 0 {
		return nil
	}
	seg := tm.jobList[len(tm.jobList)-1]
	tm.jobList = tm.jobList[:len(tm.jobList)-1]
	return seg
}

// rebuildJobList recomputes the job list from segments not downloaded
// and not locked, clears the failed-jobs queue, and sorts by range start
// descending (so pop_back/popJob yields the smallest start first), with
// audio ordered before video in the list so popJob (which pops from the
// back) drains video segments first.
func (tm *ThreadManager) rebuildJobList() {
	tm.failedMu.Lock()
	tm.failedJobs = nil
	tm.failedMu.Unlock()

	all := tm.item.Segments()
	job := make([]*models.Segment, 0, len(all))
	for _, seg := range all {
		if seg.Downloaded() || seg.Locked() {
			continue
		}
		job = append(job, seg)
	}
	sort.SliceStable(job, func(i, j int) bool {
		ki, kj := kindOrder(job[i].Kind), kindOrder(job[j].Kind)
		if ki != kj {
			return ki < kj
		}
		ri, rj := job[i].Range(), job[j].Range()
		if ri == nil || rj == nil {
			return ri != nil
		}
		return ri.Start > rj.Start
	})
	tm.jobList = job
}

// kindOrder places audio ahead of video in jobList so popJob, which pops
// from the back, prefers draining video segments first.
func kindOrder(k models.MediaKind) int {
	if k == models.KindVideo {
		return 1
	}
	return 0
}

// runDynamicManager runs the 0.2 s-cadence connection
// throttle: drain unique errors, cut concurrency on any error, grow it
// back once conn_increase_interval has elapsed without one.
func (tm *ThreadManager) runDynamicManager(maxConns int) {
	drained := 0
drain:
	for {
		select {
		case msg := <-tm.errCh:
			if !tm.seenErrs[msg] {
				tm.seenErrs[msg] = true
				drained++
			}
		default:
			break drain
		}
	}
	tm.totalErrors += drained

	if tm.totalErrors >= 1 && tm.limitedConnections > 1 {
		tm.limitedConnections--
		tm.connIncreaseInterval += time.Second
		tm.lastCut = time.Now()
	} else if tm.limitedConnections < maxConns && time.Since(tm.lastCut) >= tm.connIncreaseInterval {
		tm.limitedConnections++
		tm.lastCut = time.Now()
	}

	bytesNow := tm.item.Downloaded()
	if bytesNow > tm.lastBytes {
		tm.totalErrors = 0
		tm.seenErrs = make(map[string]bool)
	}
	tm.lastBytes = bytesNow

	if tm.totalErrors >= config.DefaultMaxTotalErrors {
		tm.item.SetError(errTooManyErrors())
	}
}

// autoSegment splits the
// largest remaining ranged segment in two so idle workers can help
// finish it, invoked at most once per second while the job list is dry
// but workers are still live.
func (tm *ThreadManager) autoSegment() {
	live := tm.item.LiveWorkers()
	if live == 0 {
		return
	}

	// item.Speed() is the throughput Brain's segment-progress reporter
	// samples about once per second.
	speed := tm.item.Speed()
	minSegSize := config.DefaultSegmentSize
	if speed > 0 {
		candidate := speed / int64(live) * 6
		if candidate > minSegSize {
			minSegSize = candidate
		}
	}

	var best *models.Segment
	var bestRemaining int64
	for _, seg := range tm.item.Segments() {
		rng := seg.Range()
		if rng == nil || seg.Completed() {
			continue
		}
		size, err := os.Stat(seg.FilePath)
		current := int64(0)
		if err == nil {
			current = size.Size()
		}
		remaining := rng.Len() - current
		if remaining <= 2*minSegSize {
			continue
		}
		if remaining > bestRemaining {
			best = seg
			bestRemaining = remaining
		}
	}
	if best == nil {
		return
	}

	rng := best.Range()
	var current int64
	if info, err := os.Stat(best.FilePath); err == nil {
		current = info.Size()
	}
	remaining := rng.Len() - current
	mid := rng.Start + current + remaining/2
	if mid >= rng.End {
		return
	}

	newSeg := models.NewSegment(len(tm.item.Segments()), best.Kind, best.URL, best.TempFile, &models.ByteRange{Start: mid + 1, End: rng.End})
	newSeg.FilePath = filepath.Join(filepath.Dir(best.FilePath), newSeg.Name)
	best.SetRange(&models.ByteRange{Start: rng.Start, End: mid})
	tm.item.AppendSegment(newSeg)
	// jobList is only ever touched from this scheduling loop's own
	// goroutine, so no lock is needed here (unlike failedJobs, which
	// Worker goroutines also write to via requeue).
	tm.jobList = append(tm.jobList, newSeg)
}
