package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"imagestore/internal/models"
)

func newTestNotifier(t *testing.T, attempts int) *Notifier {
	return NewNotifier(models.WebhookConfig{
		Timeout:       time.Second,
		RetryAttempts: attempts,
		RetryDelay:    time.Millisecond,
		UserAgent:     "ImageStorageService/1.0",
	}, zaptest.NewLogger(t))
}

type recorder struct {
	mu       sync.Mutex
	statuses []int
	bodies   []map[string]any
	headers  []http.Header
}

func (r *recorder) handler(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var body map[string]any
	_ = json.NewDecoder(req.Body).Decode(&body)
	r.bodies = append(r.bodies, body)
	r.headers = append(r.headers, req.Header.Clone())

	status := http.StatusOK
	if i := len(r.bodies) - 1; i < len(r.statuses) {
		status = r.statuses[i]
	}
	w.WriteHeader(status)
}

func TestDeliverProgressEvent(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	ev := ProgressEvent("batch-1", "processing", Progress{Total: 4, Completed: 1, Failed: 1, ProgressPercentage: 50}, "dev-key")
	ok := newTestNotifier(t, 3).Deliver(context.Background(), srv.URL, ev, map[string]string{"X-Signature": "abc"})
	require.True(t, ok)

	require.Len(t, rec.bodies, 1)
	body := rec.bodies[0]
	assert.Equal(t, "batch_progress", body["event_type"])
	assert.Equal(t, "batch-1", body["batch_id"])
	assert.Equal(t, "processing", body["status"])
	assert.Equal(t, "dev-key", body["api_key"])
	assert.NotEmpty(t, body["timestamp"])
	assert.NotContains(t, body, "results")
	assert.Equal(t, map[string]any{
		"total": 4.0, "completed": 1.0, "failed": 1.0, "progress_percentage": 50.0,
	}, body["progress"])

	h := rec.headers[0]
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "ImageStorageService/1.0", h.Get("User-Agent"))
	assert.Equal(t, "abc", h.Get("X-Signature"))
}

func TestDeliverCompletedEventShape(t *testing.T) {
	ev := CompletedEvent("batch-2", BatchResults{
		BatchID:   "batch-2",
		Total:     2,
		Completed: 1,
		Failed:    1,
		Results: []models.Outcome{
			models.Succeeded("u1", "a.png"),
			{Filename: "b.txt", Status: models.OutcomeFailed, Error: "bad"},
		},
		StartTime: "2024-01-01T00:00:00Z",
		EndTime:   "2024-01-01T00:00:05Z",
	}, "dev-key")
	ev.Timestamp = "now"

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event_type": "batch_completed",
		"batch_id": "batch-2",
		"results": {
			"batch_id": "batch-2", "total": 2, "completed": 1, "failed": 1,
			"results": [
				{"uuid": "u1", "filename": "a.png", "status": "success"},
				{"filename": "b.txt", "status": "failed", "error": "bad"}
			],
			"start_time": "2024-01-01T00:00:00Z",
			"end_time": "2024-01-01T00:00:05Z"
		},
		"api_key": "dev-key",
		"timestamp": "now"
	}`, string(data))
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusAccepted}}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	n := newTestNotifier(t, 3)
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	ok := n.Deliver(context.Background(), srv.URL, ProgressEvent("b", "processing", Progress{}, "k"), nil)
	require.True(t, ok)
	require.Len(t, rec.bodies, 3)

	// a fresh timestamp is injected on every attempt
	assert.NotEqual(t, rec.bodies[0]["timestamp"], rec.bodies[1]["timestamp"])
	assert.NotEqual(t, rec.bodies[1]["timestamp"], rec.bodies[2]["timestamp"])
}

func TestDeliverGivesUpAfterAttempts(t *testing.T) {
	rec := &recorder{statuses: []int{500, 500, 500, 500, 500}}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	ok := newTestNotifier(t, 4).Deliver(context.Background(), srv.URL, ProgressEvent("b", "processing", Progress{}, "k"), nil)
	assert.False(t, ok)
	assert.Len(t, rec.bodies, 4)
}

func TestDeliverUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ok := newTestNotifier(t, 2).Deliver(context.Background(), url, ProgressEvent("b", "processing", Progress{}, "k"), nil)
	assert.False(t, ok)
}

func TestDeliverWithoutURL(t *testing.T) {
	assert.False(t, newTestNotifier(t, 1).Deliver(context.Background(), "", ProgressEvent("b", "processing", Progress{}, "k"), nil))
}
