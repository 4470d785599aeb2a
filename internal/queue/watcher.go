package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/citadel-gov/backend/internal/metrics"
	"github.com/citadel-gov/backend/internal/storage/models"
	"github.com/citadel-gov/backend/pkg/circuitbreaker"
	"github.com/citadel-gov/backend/pkg/retry"
)

// Store is the slice of the ledger storage the watcher reads. It never
// mutates queue state: escalation is notification only, and entries are
// processed solely by an override or an explicit dismissal.
type Store interface {
	ListOverdueQueue(ctx context.Context, cutoff time.Time, limit int) ([]models.QueueEntry, error)
	CountPendingQueue(ctx context.Context) (int64, error)
}

type Config struct {
	WebhookURL string
	Interval   time.Duration
	MaxAge     time.Duration
	BatchLimit int
}

// Watcher periodically scans for unprocessed queue entries older than the
// SLA and notifies a ticketing webhook about each, once per process
// lifetime. The webhook sits behind a retry policy and a circuit breaker so
// a dead ticketing system cannot pile up goroutines here.
type Watcher struct {
	store    Store
	cfg      Config
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	retryCfg retry.Config
	logger   *zap.Logger

	mu       sync.Mutex
	notified map[string]struct{}
}

func NewWatcher(store Store, cfg Config, log *zap.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if log == nil {
		log = zap.NewNop()
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.Logger = log

	return &Watcher{
		store:    store,
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  circuitbreaker.New("escalation-webhook", circuitbreaker.Config{Logger: log}),
		retryCfg: retryCfg,
		logger:   log,
		notified: make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("Queue watcher started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("max_age", w.cfg.MaxAge),
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Queue watcher stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs a single scan-and-notify pass.
func (w *Watcher) Sweep(ctx context.Context) {
	if pending, err := w.store.CountPendingQueue(ctx); err == nil {
		metrics.QueueDepth.Set(float64(pending))
	}

	cutoff := time.Now().Add(-w.cfg.MaxAge)
	entries, err := w.store.ListOverdueQueue(ctx, cutoff, w.cfg.BatchLimit)
	if err != nil {
		w.logger.Error("Failed to list overdue queue entries", zap.Error(err))
		return
	}

	for _, entry := range entries {
		w.mu.Lock()
		_, seen := w.notified[entry.ID]
		w.mu.Unlock()
		if seen {
			continue
		}

		if err := w.escalate(ctx, entry); err != nil {
			metrics.EscalationsSent.WithLabelValues("failed").Inc()
			w.logger.Warn("Escalation failed",
				zap.String("entry_id", entry.ID),
				zap.String("decision_id", entry.DecisionID),
				zap.Error(err),
			)
			continue
		}

		metrics.EscalationsSent.WithLabelValues("sent").Inc()
		w.mu.Lock()
		w.notified[entry.ID] = struct{}{}
		w.mu.Unlock()

		w.logger.Info("Queue entry escalated",
			zap.String("entry_id", entry.ID),
			zap.String("decision_id", entry.DecisionID),
		)
	}
}

func (w *Watcher) escalate(ctx context.Context, entry models.QueueEntry) error {
	payload, err := json.Marshal(map[string]any{
		"entry_id":    entry.ID,
		"decision_id": entry.DecisionID,
		"model_name":  entry.ModelName,
		"reason":      entry.Reason,
		"age_seconds": int64(time.Since(entry.CreatedAt).Seconds()),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}

	return w.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, w.retryCfg, func() error {
			return w.post(ctx, payload)
		})
	})
}

func (w *Watcher) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
