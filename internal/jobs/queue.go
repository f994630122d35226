package jobs

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/lottr/pkg/log"
)

// DefaultMaxJobs bounds how many finished jobs the queue remembers.
const DefaultMaxJobs = 1000

const idPrefix = "job-"

// Executor runs one job. A returned error marks the job failed.
type Executor func(ctx context.Context, job *RunJob) error

// Queue runs jobs on a fixed set of workers in FIFO order. A dedupe key stays
// claimed while its job is pending or running, so enqueuing it again returns
// the existing job.
type Queue struct {
	workers int
	maxJobs int
	store   Store

	mu      sync.Mutex
	jobs    map[string]*RunJob
	claims  map[string]string // dedupe key -> job id
	ready   []string
	lastID  uint64
	started bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueue restores unfinished jobs from store, which may be nil. Jobs that
// were running when the process died are pending again.
func NewQueue(workers int, store Store) *Queue {
	q := &Queue{
		workers: max(workers, 1),
		maxJobs: DefaultMaxJobs,
		store:   store,
		jobs:    make(map[string]*RunJob),
		claims:  make(map[string]string),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	q.restore(context.Background())
	return q
}

// Enqueue adds a pending job unless req.DedupeKey is already claimed. The
// bool reports whether a new job was created.
func (q *Queue) Enqueue(req EnqueueRequest) (*RunJob, bool) {
	q.mu.Lock()
	if id, ok := q.claims[req.DedupeKey]; ok && req.DedupeKey != "" {
		if existing, ok := q.jobs[id]; ok {
			snapshot := existing.clone()
			q.mu.Unlock()
			return snapshot, false
		}
		delete(q.claims, req.DedupeKey)
	}

	q.lastID++
	now := time.Now()
	job := &RunJob{
		ID:        fmt.Sprintf("%s%d", idPrefix, q.lastID),
		Source:    req.Source,
		DedupeKey: req.DedupeKey,
		Payload:   req.Payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.jobs[job.ID] = job
	if job.DedupeKey != "" {
		q.claims[job.DedupeKey] = job.ID
	}
	q.ready = append(q.ready, job.ID)
	snapshot := job.clone()
	q.mu.Unlock()

	q.save(snapshot)
	q.signal()
	return snapshot, true
}

func (q *Queue) Get(id string) (*RunJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// List returns snapshots of all known jobs, oldest first.
func (q *Queue) List() []*RunJob {
	q.mu.Lock()
	out := make([]*RunJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, job.clone())
	}
	q.mu.Unlock()

	slices.SortFunc(out, func(a, b *RunJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Active counts pending and running jobs.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.jobs {
		if !job.Status.Terminal() {
			n++
		}
	}
	return n
}

// Start launches the workers; ctx is passed to every execution.
func (q *Queue) Start(ctx context.Context, exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for range q.workers {
		q.wg.Add(1)
		go q.work(ctx, exec)
	}
	q.signal()
}

// Stop waits for running jobs to return. Pending jobs stay pending.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()
	})
}

func (q *Queue) work(ctx context.Context, exec Executor) {
	defer q.wg.Done()

	for {
		if job := q.claimNext(); job != nil {
			q.execute(ctx, exec, job)
			continue
		}
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) execute(ctx context.Context, exec Executor, job *RunJob) {
	log.Info("Job %s started (%s, source=%s)", job.ID, job.Payload.File, job.Source)
	start := time.Now()

	err := exec(ctx, job)
	if err != nil {
		log.Error("Job %s failed after %v: %v", job.ID, time.Since(start).Round(time.Millisecond), err)
	} else {
		log.Info("Job %s finished in %v", job.ID, time.Since(start).Round(time.Millisecond))
	}
	q.finish(job.ID, err)
}

// signal wakes one idle worker; more work wakes the next in turn.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// claimNext pops the oldest pending job and marks it running.
func (q *Queue) claimNext() *RunJob {
	select {
	case <-q.stopCh:
		return nil
	default:
	}

	q.mu.Lock()
	var job *RunJob
	for job == nil && len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]
		if j, ok := q.jobs[id]; ok && j.Status == StatusPending {
			job = j
		}
	}
	if job == nil {
		q.mu.Unlock()
		return nil
	}
	job.Status = StatusRunning
	job.UpdatedAt = time.Now()
	more := len(q.ready) > 0
	snapshot := job.clone()
	q.mu.Unlock()

	q.save(snapshot)
	if more {
		q.signal()
	}
	return snapshot
}

// finish records the outcome and releases the dedupe key.
func (q *Queue) finish(id string, err error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.Status, job.Error = StatusSuccess, ""
	if err != nil {
		job.Status, job.Error = StatusFailed, err.Error()
	}
	job.UpdatedAt = time.Now()
	q.release(job)
	pruned := q.prune()
	snapshot := job.clone()
	q.mu.Unlock()

	q.save(snapshot)
	q.forget(pruned)
}

// release must be called with mu held.
func (q *Queue) release(job *RunJob) {
	if job.DedupeKey == "" {
		return
	}
	if q.claims[job.DedupeKey] == job.ID {
		delete(q.claims, job.DedupeKey)
	}
}

// prune drops the oldest finished jobs beyond maxJobs. Must be called with mu held.
func (q *Queue) prune() []string {
	excess := len(q.jobs) - q.maxJobs
	if q.maxJobs <= 0 || excess <= 0 {
		return nil
	}

	var finished []*RunJob
	for _, job := range q.jobs {
		if job.Status.Terminal() {
			finished = append(finished, job)
		}
	}
	slices.SortFunc(finished, func(a, b *RunJob) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})

	ids := make([]string, 0, min(excess, len(finished)))
	for _, job := range finished[:min(excess, len(finished))] {
		q.release(job)
		delete(q.jobs, job.ID)
		ids = append(ids, job.ID)
	}
	return ids
}

func (q *Queue) restore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	var requeued []*RunJob
	q.mu.Lock()
	for _, stored := range loaded {
		if stored == nil || stored.ID == "" {
			continue
		}
		job := stored.clone()
		if job.Status == StatusRunning {
			job.Status = StatusPending
			job.UpdatedAt = time.Now()
			requeued = append(requeued, job.clone())
		}
		q.jobs[job.ID] = job
		if job.Status == StatusPending {
			q.ready = append(q.ready, job.ID)
			if job.DedupeKey != "" {
				q.claims[job.DedupeKey] = job.ID
			}
		}
		if n, ok := parseID(job.ID); ok && n > q.lastID {
			q.lastID = n
		}
	}
	slices.SortFunc(q.ready, func(a, b string) int {
		return q.jobs[a].CreatedAt.Compare(q.jobs[b].CreatedAt)
	})
	unfinished := len(q.ready)
	q.mu.Unlock()

	for _, job := range requeued {
		q.save(job)
	}
	if unfinished > 0 {
		log.Info("Restored %d unfinished job(s)", unfinished)
	}
}

func parseID(id string) (uint64, bool) {
	rest, ok := strings.CutPrefix(id, idPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	return n, err == nil
}

func (q *Queue) save(job *RunJob) {
	if q.store == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func (q *Queue) forget(ids []string) {
	if q.store == nil {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteJob(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned job %s from store: %v", id, err)
		}
	}
}

func (j *RunJob) clone() *RunJob {
	c := *j
	return &c
}
