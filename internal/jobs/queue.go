package jobs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexivid/transcript-pipeline/pkg/log"
)

type Executor func(ctx context.Context, job *TranscriptionJob) error

type Options struct {
	Concurrency  int
	MaxAttempts  int
	BackoffBase  time.Duration
	Retention    int
	RetentionAge time.Duration
	StallAfter   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 500
	}
	if o.RetentionAge <= 0 {
		o.RetentionAge = 72 * time.Hour
	}
	if o.StallAfter <= 0 {
		o.StallAfter = time.Minute
	}
	return o
}

type Queue struct {
	opts  Options
	store Store

	mu        sync.RWMutex
	jobs      map[string]*TranscriptionJob
	ready     []string
	timers    map[string]*time.Timer
	idCounter uint64
	started   bool
	paused    bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewQueue(opts Options, store Store) *Queue {
	q := &Queue{
		opts:   opts.withDefaults(),
		store:  store,
		jobs:   make(map[string]*TranscriptionJob),
		timers: make(map[string]*time.Timer),
		wake:   make(chan struct{}, 1024),
		stopCh: make(chan struct{}),
	}
	q.hydrateFromStore(context.Background())
	return q
}

// Enqueue registers a new job. Delayed jobs enter the ready list after their
// delay elapses; higher priority jobs dispatch before lower ones.
func (q *Queue) Enqueue(req EnqueueRequest) *TranscriptionJob {
	now := time.Now()

	q.mu.Lock()
	id := fmt.Sprintf("job-%d", atomic.AddUint64(&q.idCounter, 1))
	job := &TranscriptionJob{
		ID:        id,
		Payload:   req.Payload,
		Priority:  req.Priority,
		Status:    StatusWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Delay > 0 {
		job.Status = StatusDelayed
	}
	q.jobs[id] = job
	if req.Delay > 0 {
		q.scheduleDelayedLocked(id, req.Delay)
	} else {
		q.pushReadyLocked(id)
	}
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	return snapshot
}

func (q *Queue) Get(id string) (*TranscriptionJob, bool) {
	q.mu.RLock()
	job, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

func (q *Queue) List() []*TranscriptionJob {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*TranscriptionJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		ret = append(ret, cloneJob(job))
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}

// Status aggregates live queue counts.
func (q *Queue) Status() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts := Counts{Concurrency: q.opts.Concurrency}
	for _, job := range q.jobs {
		switch job.Status {
		case StatusWaiting:
			counts.Waiting++
		case StatusDelayed:
			counts.Delayed++
		case StatusActive:
			counts.Active++
		case StatusCompleted:
			counts.Completed++
		case StatusFailed:
			counts.Failed++
		}
	}
	return counts
}

// Start launches the worker pool. At most Concurrency jobs run their
// executor simultaneously; excess jobs wait in the ready list.
func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	pending := len(q.ready)
	q.mu.Unlock()

	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(exec)
	}
	q.signal(pending)
}

func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		for id, timer := range q.timers {
			timer.Stop()
			delete(q.timers, id)
		}
		q.mu.Unlock()
		close(q.stopCh)
		q.wg.Wait()
	})
}

// Pause stops dispatching new jobs. Active jobs run to completion; queued
// work is kept.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	log.Info("Queue paused")
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	pending := len(q.ready)
	q.mu.Unlock()
	q.signal(pending)
	log.Info("Queue resumed")
}

// SetProgress records job progress and refreshes the stall heartbeat.
func (q *Queue) SetProgress(id string, progress int) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusActive {
		q.mu.Unlock()
		return
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.lastHeartbeat = time.Now()
	job.UpdatedAt = job.lastHeartbeat
	snapshot := cloneJob(job)
	q.mu.Unlock()

	log.Debug("Job progress event: videoId=%d jobId=%s progress=%d", snapshot.Payload.VideoID, snapshot.ID, snapshot.Progress)
	q.persistJob(snapshot)
}

// RetryFailedJobs re-queues every terminally failed job with a fresh attempt
// budget. Returns the number of jobs re-queued.
func (q *Queue) RetryFailedJobs() int {
	q.mu.Lock()
	retried := make([]*TranscriptionJob, 0)
	for id, job := range q.jobs {
		if job.Status != StatusFailed {
			continue
		}
		job.Status = StatusWaiting
		job.Attempts = 0
		job.Progress = 0
		job.FinishedAt = nil
		job.UpdatedAt = time.Now()
		q.pushReadyLocked(id)
		retried = append(retried, cloneJob(job))
	}
	q.mu.Unlock()

	for _, job := range retried {
		q.persistJob(job)
	}
	return len(retried)
}

// CleanQueue removes terminal job records older than maxAge, regardless of
// the default retention policy. Returns the number removed.
func (q *Queue) CleanQueue(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	removed := make([]string, 0)
	for id, job := range q.jobs {
		if !job.Status.IsTerminal() {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed = append(removed, id)
		}
	}
	q.mu.Unlock()

	q.deleteJobsFromStore(removed)
	return len(removed)
}

// Maintain applies the default retention policy and reports stalled active
// jobs. Intended to run on a periodic schedule.
func (q *Queue) Maintain() {
	now := time.Now()

	q.mu.Lock()
	pruned := q.pruneTerminalJobsLocked(now)
	stalled := q.stalledJobsLocked(now)
	q.mu.Unlock()

	q.deleteJobsFromStore(pruned)
	for _, job := range stalled {
		// Surfaced only; the retry budget covers recovery once the worker dies.
		log.Warn("Job stalled event: videoId=%d jobId=%s lastHeartbeat=%s",
			job.Payload.VideoID, job.ID, job.UpdatedAt.Format(time.RFC3339))
	}
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
			job, ok := q.popReady()
			if !ok {
				continue
			}

			err := exec(context.Background(), job)
			if err != nil {
				q.markFailed(job.ID, err)
				continue
			}
			q.markCompleted(job.ID)
		}
	}
}

// popReady takes the highest-priority waiting job and marks it active.
func (q *Queue) popReady() (*TranscriptionJob, bool) {
	q.mu.Lock()

	if q.paused || len(q.ready) == 0 {
		q.mu.Unlock()
		return nil, false
	}

	id := q.ready[0]
	q.ready = q.ready[1:]

	job, ok := q.jobs[id]
	if !ok || job.Status != StatusWaiting {
		q.mu.Unlock()
		return nil, false
	}

	now := time.Now()
	job.Status = StatusActive
	job.Attempts++
	job.UpdatedAt = now
	job.lastHeartbeat = now
	if job.ProcessedAt == nil {
		job.ProcessedAt = &now
	}
	snapshot := cloneJob(job)
	q.mu.Unlock()

	// Persist before the executor runs. A concurrent write here could land
	// after the terminal upsert of a fast job, leaving a stale active record
	// that hydration would requeue on restart.
	q.persistJob(snapshot)
	return snapshot, true
}

// pushReadyLocked inserts the id keeping the ready list ordered by priority
// descending, FIFO within a priority.
func (q *Queue) pushReadyLocked(id string) {
	job := q.jobs[id]
	pos := len(q.ready)
	if job != nil && job.Priority > 0 {
		pos = sort.Search(len(q.ready), func(i int) bool {
			other := q.jobs[q.ready[i]]
			return other == nil || other.Priority < job.Priority
		})
	}
	q.ready = append(q.ready, "")
	copy(q.ready[pos+1:], q.ready[pos:])
	q.ready[pos] = id
	if q.started {
		q.signal(1)
	}
}

func (q *Queue) scheduleDelayedLocked(id string, delay time.Duration) {
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, id)
		job, ok := q.jobs[id]
		if !ok || job.Status != StatusDelayed {
			q.mu.Unlock()
			return
		}
		job.Status = StatusWaiting
		job.UpdatedAt = time.Now()
		q.pushReadyLocked(id)
		snapshot := cloneJob(job)
		q.mu.Unlock()

		q.persistJob(snapshot)
	})
}

func (q *Queue) signal(n int) {
	for i := 0; i < n; i++ {
		select {
		case q.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (q *Queue) markCompleted(id string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	job.Status = StatusCompleted
	job.Progress = 100
	job.Error = ""
	job.UpdatedAt = now
	job.FinishedAt = &now
	snapshot := cloneJob(job)
	q.mu.Unlock()

	log.Info("Job completed event: videoId=%d jobId=%s", snapshot.Payload.VideoID, snapshot.ID)
	q.persistJob(snapshot)
}

// markFailed either schedules a retry with exponential backoff or, once the
// attempt budget is exhausted, records the terminal failure.
func (q *Queue) markFailed(id string, err error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	job.UpdatedAt = now
	if err != nil {
		job.Error = err.Error()
	}

	permanent := isPermanent(err)
	if !permanent && job.Attempts < q.opts.MaxAttempts {
		job.Status = StatusDelayed
		backoff := q.opts.BackoffBase << (job.Attempts - 1)
		q.scheduleDelayedLocked(id, backoff)
		snapshot := cloneJob(job)
		q.mu.Unlock()

		log.Warn("Job failed event: videoId=%d jobId=%s attempt=%d retryIn=%s error=%v",
			snapshot.Payload.VideoID, snapshot.ID, snapshot.Attempts, backoff, err)
		q.persistJob(snapshot)
		return
	}

	job.Status = StatusFailed
	job.FinishedAt = &now
	snapshot := cloneJob(job)
	q.mu.Unlock()

	if permanent {
		log.Error("Job failed event: videoId=%d jobId=%s attempt=%d not retryable, error=%v",
			snapshot.Payload.VideoID, snapshot.ID, snapshot.Attempts, err)
	} else {
		log.Error("Job failed event: videoId=%d jobId=%s attempts=%d exhausted, error=%v",
			snapshot.Payload.VideoID, snapshot.ID, snapshot.Attempts, err)
	}
	q.persistJob(snapshot)
}

// stalledJobsLocked snapshots active jobs whose heartbeat is older than the
// stall threshold.
func (q *Queue) stalledJobsLocked(now time.Time) []*TranscriptionJob {
	stalled := make([]*TranscriptionJob, 0)
	for _, job := range q.jobs {
		if job.Status != StatusActive {
			continue
		}
		if !job.lastHeartbeat.IsZero() && now.Sub(job.lastHeartbeat) > q.opts.StallAfter {
			stalled = append(stalled, cloneJob(job))
		}
	}
	return stalled
}

// pruneTerminalJobsLocked drops the oldest terminal jobs beyond the retention
// count cap, plus any terminal job older than the retention age.
func (q *Queue) pruneTerminalJobsLocked(now time.Time) []string {
	type candidate struct {
		id        string
		updatedAt time.Time
	}
	terminal := make([]candidate, 0, len(q.jobs))
	for id, job := range q.jobs {
		if !job.Status.IsTerminal() {
			continue
		}
		terminal = append(terminal, candidate{id: id, updatedAt: job.UpdatedAt})
	}
	if len(terminal) == 0 {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})

	cutoff := now.Add(-q.opts.RetentionAge)
	pruned := make([]string, 0)
	for i, cand := range terminal {
		overCount := len(terminal)-i > q.opts.Retention
		if !overCount && !cand.updatedAt.Before(cutoff) {
			break
		}
		delete(q.jobs, cand.id)
		pruned = append(pruned, cand.id)
	}
	return pruned
}

func (q *Queue) deleteJobsFromStore(ids []string) {
	if q.store == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteJob(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned job %s from store: %v", id, err)
		}
	}
}

// hydrateFromStore restores persisted jobs. Jobs left active by a previous
// process are requeued; delayed jobs lost their timers and requeue too.
func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*TranscriptionJob, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusActive || job.Status == StatusDelayed {
			job.Status = StatusWaiting
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		q.jobs[job.ID] = job
		if job.Status == StatusWaiting {
			q.pushReadyLocked(job.ID)
		}
		q.updateIDCounterLocked(job.ID)
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
}

func (q *Queue) updateIDCounterLocked(jobID string) {
	if !strings.HasPrefix(jobID, "job-") {
		return
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(jobID, "job-"), 10, 64)
	if err != nil {
		return
	}
	if n > q.idCounter {
		q.idCounter = n
	}
}

func (q *Queue) persistJob(job *TranscriptionJob) {
	if q.store == nil || job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func cloneJob(job *TranscriptionJob) *TranscriptionJob {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.ProcessedAt != nil {
		t := *job.ProcessedAt
		tmp.ProcessedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		tmp.FinishedAt = &t
	}
	return &tmp
}
