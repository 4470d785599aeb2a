package handlers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/citadel-gov/backend/internal/ledger"
	"github.com/citadel-gov/backend/internal/storage/models"
	"github.com/citadel-gov/backend/pkg/logger"
)

type ReviewHandler struct {
	svc *ledger.Service
}

func NewReviewHandler(svc *ledger.Service) *ReviewHandler {
	return &ReviewHandler{svc: svc}
}

func (h *ReviewHandler) OverrideDecision(c *fiber.Ctx) error {
	var req struct {
		ReviewerID      string          `json:"reviewer_id"`
		Decision        string          `json:"decision"`
		Notes           string          `json:"notes"`
		CorrectedOutput json.RawMessage `json:"corrected_output"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse override request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	err := h.svc.Override(c.Context(), ledger.OverrideRequest{
		DecisionID:      c.Params("id"),
		ReviewerID:      req.ReviewerID,
		Verdict:         req.Decision,
		Notes:           req.Notes,
		CorrectedOutput: req.CorrectedOutput,
	})
	if err != nil {
		return respondError(c, err, "Failed to record override")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Override recorded",
	})
}

func (h *ReviewHandler) ListQueue(c *fiber.Ctx) error {
	filter := ledger.QueueFilter{
		ModelName: c.Query("model_name"),
		Limit:     c.QueryInt("limit"),
	}
	if v := c.Query("processed"); v != "" {
		processed := v == "true" || v == "1"
		filter.Processed = &processed
	}

	entries, err := h.svc.Queue(c.Context(), filter)
	if err != nil {
		return respondError(c, err, "Failed to list queue")
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	return c.JSON(fiber.Map{"entries": entries})
}

func (h *ReviewHandler) DismissQueueEntry(c *fiber.Ctx) error {
	var req struct {
		ActorID string `json:"actor_id"`
	}
	// Body is optional; dismissal without an actor is still recorded.
	c.BodyParser(&req)

	err := h.svc.DismissQueueEntry(c.Context(), c.Params("id"), req.ActorID)
	if err != nil {
		return respondError(c, err, "Failed to dismiss queue entry")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Queue entry dismissed",
	})
}

func (h *ReviewHandler) ListTrainingSamples(c *fiber.Ctx) error {
	samples, err := h.svc.TrainingSamples(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to list training samples")
	}
	if samples == nil {
		samples = []models.TrainingSample{}
	}
	return c.JSON(fiber.Map{"samples": samples})
}

func (h *ReviewHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.svc.Stats(c.Context())
	if err != nil {
		return respondError(c, err, "Failed to aggregate stats")
	}
	return c.JSON(stats)
}

func (h *ReviewHandler) GetAuditEvents(c *fiber.Ctx) error {
	entityID := c.Query("entity_id")
	if entityID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "entity_id is required",
		})
	}

	events, err := h.svc.AuditEvents(c.Context(), entityID, c.QueryInt("limit"))
	if err != nil {
		return respondError(c, err, "Failed to list audit events")
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	return c.JSON(fiber.Map{"events": events})
}
