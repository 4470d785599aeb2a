package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/citadel-gov/backend/internal/storage/models"
)

type fakeStore struct {
	mu      sync.Mutex
	overdue []models.QueueEntry
	pending int64
}

func (f *fakeStore) ListOverdueQueue(ctx context.Context, cutoff time.Time, limit int) ([]models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overdue, nil
}

func (f *fakeStore) CountPendingQueue(ctx context.Context) (int64, error) {
	return f.pending, nil
}

func overdueEntry(id string) models.QueueEntry {
	return models.QueueEntry{
		ID:         id,
		DecisionID: "decision-" + id,
		ModelName:  "anomaly-forest-v1",
		Reason:     "low_confidence",
		CreatedAt:  time.Now().Add(-2 * time.Hour),
	}
}

func TestSweepNotifiesOverdueEntries(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{overdue: []models.QueueEntry{overdueEntry("e1"), overdueEntry("e2")}, pending: 2}
	w := NewWatcher(store, Config{
		WebhookURL: srv.URL,
		Interval:   time.Minute,
		MaxAge:     time.Hour,
	}, nil)

	w.Sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 escalations, got %d", len(received))
	}
	if received[0]["entry_id"] != "e1" || received[0]["decision_id"] != "decision-e1" {
		t.Errorf("unexpected payload: %+v", received[0])
	}
}

func TestSweepNotifiesEachEntryOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{overdue: []models.QueueEntry{overdueEntry("e1")}}
	w := NewWatcher(store, Config{WebhookURL: srv.URL}, nil)

	w.Sweep(context.Background())
	w.Sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected a single notification across sweeps, got %d", calls)
	}
}

func TestSweepRetriesFailedWebhook(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{overdue: []models.QueueEntry{overdueEntry("e1")}}
	w := NewWatcher(store, Config{WebhookURL: srv.URL}, nil)
	w.retryCfg.InitialDelay = time.Millisecond
	w.retryCfg.MaxDelay = 2 * time.Millisecond

	w.Sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("expected one retry after failure, got %d attempts", attempts)
	}
}
