// Package batch keeps the in-memory table of batch upload jobs.
//
// Each job has exactly one writer (the ingestion worker that owns it) and
// any number of readers (progress polls). Writers publish a fresh immutable
// Job value through an atomic pointer, so a reader never waits for a writer
// and never sees half of an update.
package batch

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"imagestore/internal/models"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

type Job struct {
	ID             string
	Total          int
	Completed      int
	Failed         int
	Status         Status
	Results        []models.Outcome
	StartTime      time.Time
	EndTime        time.Time
	WebhookURL     string
	WebhookHeaders map[string]string
}

func (j Job) Processed() int {
	return j.Completed + j.Failed
}

// ProgressPercentage is 100 for an empty batch.
func (j Job) ProgressPercentage() float64 {
	if j.Total == 0 {
		return 100.0
	}
	return float64(j.Processed()) / float64(j.Total) * 100
}

// EstimatedRemaining extrapolates from the success rate so far. It is only
// known while processing and after the first successful file.
func (j Job) EstimatedRemaining(now time.Time) (time.Duration, bool) {
	if j.Status != StatusProcessing || j.Completed == 0 {
		return 0, false
	}
	elapsed := now.Sub(j.StartTime).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	rate := float64(j.Completed) / elapsed
	remaining := float64(j.Total - j.Processed())
	return time.Duration(remaining / rate * float64(time.Second)), true
}

type entry struct {
	mu    sync.Mutex
	state atomic.Pointer[Job]
}

type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	now  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		jobs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) Register(id string, total int, webhookURL string, headers map[string]string) error {
	const op = "batch.Register"

	if total < 0 {
		return fmt.Errorf("%s: negative total %d", op, total)
	}

	job := &Job{
		ID:             id,
		Total:          total,
		Status:         StatusProcessing,
		Results:        make([]models.Outcome, 0, total),
		StartTime:      t.now(),
		WebhookURL:     webhookURL,
		WebhookHeaders: maps.Clone(headers),
	}
	e := &entry{}
	e.state.Store(job)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[id]; ok {
		return fmt.Errorf("%s: %s: %w", op, id, models.ErrBatchExists)
	}
	t.jobs[id] = e
	return nil
}

func (t *Tracker) lookup(id string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.jobs[id]
	return e, ok
}

// RecordOutcome appends one file result and bumps the matching counter.
func (t *Tracker) RecordOutcome(id string, o models.Outcome) error {
	const op = "batch.RecordOutcome"

	e, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("%s: batch %s: %w", op, id, models.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state.Load()
	if cur.Status == StatusCompleted {
		return fmt.Errorf("%s: batch %s is already completed", op, id)
	}
	if cur.Processed() >= cur.Total {
		return fmt.Errorf("%s: batch %s already has %d outcomes", op, id, cur.Total)
	}

	next := *cur
	next.Results = append(cur.Results, o)
	if o.OK() {
		next.Completed++
	} else {
		next.Failed++
	}
	e.state.Store(&next)
	return nil
}

// Finish marks the batch completed. Finishing twice is a no-op.
func (t *Tracker) Finish(id string) error {
	e, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("batch.Finish: batch %s: %w", id, models.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state.Load()
	if cur.Status == StatusCompleted {
		return nil
	}
	next := *cur
	next.Status = StatusCompleted
	next.EndTime = t.now()
	e.state.Store(&next)
	return nil
}

// Snapshot returns a consistent copy of the job. The Results slice is
// capped so callers cannot write into memory the owning worker appends to.
func (t *Tracker) Snapshot(id string) (Job, error) {
	e, ok := t.lookup(id)
	if !ok {
		return Job{}, fmt.Errorf("batch.Snapshot: batch %s: %w", id, models.ErrNotFound)
	}
	job := *e.state.Load()
	job.Results = job.Results[:len(job.Results):len(job.Results)]
	return job, nil
}

// Prune drops completed jobs that ended more than olderThan ago and returns
// how many were removed.
func (t *Tracker) Prune(olderThan time.Duration) int {
	cutoff := t.now().Add(-olderThan)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, e := range t.jobs {
		job := e.state.Load()
		if job.Status == StatusCompleted && job.EndTime.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

// Discard forgets a batch that was registered but never handed to a worker.
func (t *Tracker) Discard(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}
