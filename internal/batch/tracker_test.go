package batch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagestore/internal/models"
)

func fixedClock(t *Tracker, at *time.Time) {
	t.now = func() time.Time { return *at }
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Register("batch-1", 2, "", nil))

	err := tr.Register("batch-1", 5, "", nil)
	assert.ErrorIs(t, err, models.ErrBatchExists)

	job, err := tr.Snapshot("batch-1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Total)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Zero(t, job.Completed)
	assert.Zero(t, job.Failed)
}

func TestRecordOutcomeCountsAndOrder(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Register("b", 3, "http://hook", map[string]string{"X-Token": "t"}))

	require.NoError(t, tr.RecordOutcome("b", models.Succeeded("u1", "a.png")))
	require.NoError(t, tr.RecordOutcome("b", models.Failed("b.txt", errors.New("bad content"))))
	require.NoError(t, tr.RecordOutcome("b", models.Succeeded("u3", "c.png")))

	err := tr.RecordOutcome("b", models.Succeeded("u4", "d.png"))
	assert.Error(t, err, "completed+failed must not exceed total")

	job, err := tr.Snapshot("b")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Completed)
	assert.Equal(t, 1, job.Failed)
	assert.Equal(t, []string{"a.png", "b.txt", "c.png"}, filenames(job.Results))
	assert.Equal(t, "bad content", job.Results[1].Error)
	assert.Equal(t, "t", job.WebhookHeaders["X-Token"])
}

func filenames(outs []models.Outcome) []string {
	var names []string
	for _, o := range outs {
		names = append(names, o.Filename)
	}
	return names
}

func TestFinishIsIdempotent(t *testing.T) {
	tr := NewTracker()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(tr, &at)

	require.NoError(t, tr.Register("b", 1, "", nil))
	require.NoError(t, tr.RecordOutcome("b", models.Succeeded("u", "a.png")))

	at = at.Add(time.Minute)
	require.NoError(t, tr.Finish("b"))
	first, _ := tr.Snapshot("b")

	at = at.Add(time.Hour)
	require.NoError(t, tr.Finish("b"))
	second, _ := tr.Snapshot("b")

	assert.Equal(t, first, second)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC), second.EndTime)

	assert.Error(t, tr.RecordOutcome("b", models.Succeeded("x", "late.png")))
}

func TestUnknownBatch(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Snapshot("nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, tr.Finish("nope"), models.ErrNotFound)
	assert.ErrorIs(t, tr.RecordOutcome("nope", models.Succeeded("u", "f")), models.ErrNotFound)
}

func TestDiscard(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Register("batch-1", 1, "", nil))
	require.NoError(t, tr.Register("batch-2", 1, "", nil))

	tr.Discard("batch-1")
	tr.Discard("missing")
	assert.Equal(t, 1, tr.Len())
	_, err := tr.Snapshot("batch-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, tr.Register("batch-1", 3, "", nil))
}

func TestProgressPercentage(t *testing.T) {
	assert.Equal(t, 100.0, Job{Total: 0}.ProgressPercentage())
	assert.Equal(t, 0.0, Job{Total: 4}.ProgressPercentage())
	assert.Equal(t, 75.0, Job{Total: 4, Completed: 2, Failed: 1}.ProgressPercentage())
}

func TestEstimatedRemaining(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job := Job{Total: 10, Completed: 2, Failed: 1, Status: StatusProcessing, StartTime: start}

	d, ok := job.EstimatedRemaining(start.Add(4 * time.Second))
	require.True(t, ok)
	// 2 files / 4s = 0.5 files/s, 7 remaining
	assert.Equal(t, 14*time.Second, d)

	_, ok = job.EstimatedRemaining(start)
	assert.False(t, ok, "no elapsed time")

	_, ok = Job{Total: 3, Failed: 1, Status: StatusProcessing, StartTime: start}.EstimatedRemaining(start.Add(time.Second))
	assert.False(t, ok, "nothing completed yet")

	job.Status = StatusCompleted
	_, ok = job.EstimatedRemaining(start.Add(4 * time.Second))
	assert.False(t, ok)
}

func TestPrune(t *testing.T) {
	tr := NewTracker()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fixedClock(tr, &at)

	require.NoError(t, tr.Register("done", 0, "", nil))
	require.NoError(t, tr.Finish("done"))
	require.NoError(t, tr.Register("running", 1, "", nil))

	at = at.Add(2 * time.Hour)
	assert.Equal(t, 1, tr.Prune(time.Hour))
	assert.Equal(t, 1, tr.Len())

	_, err := tr.Snapshot("running")
	assert.NoError(t, err)
}

func TestConcurrentReadersSeeMonotonicProgress(t *testing.T) {
	const total = 200
	tr := NewTracker()
	require.NoError(t, tr.Register("b", total, "", nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			var o models.Outcome
			if i%3 == 0 {
				o = models.Failed(fmt.Sprintf("f%d", i), errors.New("boom"))
			} else {
				o = models.Succeeded(fmt.Sprintf("u%d", i), fmt.Sprintf("f%d", i))
			}
			if err := tr.RecordOutcome("b", o); err != nil {
				t.Error(err)
				return
			}
		}
		_ = tr.Finish("b")
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				job, err := tr.Snapshot("b")
				if err != nil {
					t.Error(err)
					return
				}
				processed := job.Processed()
				if processed < last || processed > job.Total || len(job.Results) != processed {
					t.Errorf("inconsistent snapshot: processed=%d last=%d results=%d", processed, last, len(job.Results))
					return
				}
				// appending to a snapshot must not disturb the tracker
				_ = append(job.Results, models.Outcome{Filename: "reader"})
				last = processed
				if job.Status == StatusCompleted {
					return
				}
			}
		}()
	}
	wg.Wait()

	job, err := tr.Snapshot("b")
	require.NoError(t, err)
	assert.Equal(t, total, job.Completed+job.Failed)
	for i, o := range job.Results {
		assert.Equal(t, fmt.Sprintf("f%d", i), o.Filename)
	}
}
