package handlers

import (
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/citadel-gov/backend/internal/storage/models"
	"github.com/citadel-gov/backend/pkg/logger"
)

// ReviewFeed pushes newly flagged decisions to connected reviewer dashboards.
// Wired into the ledger via its OnFlagged hook.
type ReviewFeed struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewReviewFeed() *ReviewFeed {
	return &ReviewFeed{conns: make(map[*websocket.Conn]struct{})}
}

// HandleConnection registers a subscriber and blocks until the peer goes
// away. Inbound messages are drained and ignored; the feed is one-way.
func (f *ReviewFeed) HandleConnection(c *websocket.Conn) {
	logger.Info("Review feed subscriber connected")

	f.mu.Lock()
	f.conns[c] = struct{}{}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.conns, c)
		f.mu.Unlock()
		c.Close()
		logger.Info("Review feed subscriber disconnected")
	}()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
}

// NotifyFlagged broadcasts a flagged decision to every subscriber. Called
// from the record path after the decision is durable; a slow or dead
// subscriber is dropped rather than allowed to block producers.
func (f *ReviewFeed) NotifyFlagged(entry models.QueueEntry, d models.Decision) {
	msg := map[string]any{
		"type":        "flagged_decision",
		"entry_id":    entry.ID,
		"decision_id": d.ID,
		"module":      d.Module,
		"model_name":  d.ModelName,
		"confidence":  d.Confidence,
		"reason":      entry.Reason,
		"created_at":  d.CreatedAt,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for conn := range f.conns {
		if err := conn.WriteJSON(msg); err != nil {
			logger.Warn("Dropping review feed subscriber", zap.Error(err))
			delete(f.conns, conn)
			conn.Close()
		}
	}
}
