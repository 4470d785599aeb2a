package handlers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/citadel-gov/backend/internal/ledger"
	"github.com/citadel-gov/backend/internal/storage/models"
	"github.com/citadel-gov/backend/pkg/logger"
)

type DecisionHandler struct {
	svc *ledger.Service
}

func NewDecisionHandler(svc *ledger.Service) *DecisionHandler {
	return &DecisionHandler{svc: svc}
}

// RecordDecision is the producer entry point: every inference anywhere in
// the system lands here.
func (h *DecisionHandler) RecordDecision(c *fiber.Ctx) error {
	var req struct {
		ModelName        string            `json:"model_name"`
		ModelVersion     string            `json:"model_version"`
		Module           string            `json:"module"`
		Input            json.RawMessage   `json:"input"`
		Output           json.RawMessage   `json:"output"`
		Confidence       float64           `json:"confidence"`
		ParentDecisionID string            `json:"parent_decision_id"`
		SourceDocumentID string            `json:"source_document_id"`
		VectorIDs        []string          `json:"vector_ids"`
		Evidence         []models.Evidence `json:"evidence"`
		Explanation      string            `json:"explanation"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse record request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	var input any
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "input must be valid JSON",
			})
		}
	}

	decision, err := h.svc.Record(c.Context(), ledger.RecordRequest{
		ModelName:        req.ModelName,
		ModelVersion:     req.ModelVersion,
		Module:           req.Module,
		Input:            input,
		Output:           req.Output,
		Confidence:       req.Confidence,
		ParentDecisionID: req.ParentDecisionID,
		SourceDocumentID: req.SourceDocumentID,
		VectorIDs:        req.VectorIDs,
		Evidence:         req.Evidence,
		Explanation:      req.Explanation,
	})
	if err != nil {
		return respondError(c, err, "Failed to record decision")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"decision_id":           decision.ID,
		"input_fingerprint":     decision.InputFingerprint,
		"requires_human_review": decision.RequiresHumanReview,
	})
}

func (h *DecisionHandler) GetDecision(c *fiber.Ctx) error {
	decision, err := h.svc.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to get decision")
	}
	return c.JSON(decision)
}

func (h *DecisionHandler) ListDecisions(c *fiber.Ctx) error {
	filter := ledger.DecisionFilter{
		Module: c.Query("module"),
		Limit:  c.QueryInt("limit"),
	}
	if v := c.Query("requires_review"); v != "" {
		flagged := v == "true" || v == "1"
		filter.RequiresReview = &flagged
	}

	decisions, err := h.svc.List(c.Context(), filter)
	if err != nil {
		return respondError(c, err, "Failed to list decisions")
	}
	if decisions == nil {
		decisions = []models.Decision{}
	}
	return c.JSON(fiber.Map{"decisions": decisions})
}

func (h *DecisionHandler) GetLineage(c *fiber.Ctx) error {
	id := c.Params("id")
	lineage, err := h.svc.Lineage(c.Context(), id)
	if err != nil {
		return respondError(c, err, "Failed to resolve lineage")
	}
	return c.JSON(fiber.Map{
		"decision_id": id,
		"lineage":     lineage,
	})
}

func (h *DecisionHandler) GetEvidence(c *fiber.Ctx) error {
	bundle, err := h.svc.GenerateBundle(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "Failed to generate evidence bundle")
	}
	return c.JSON(bundle)
}

func respondError(c *fiber.Ctx, err error, logMsg string) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidArgument):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ledger.ErrAlreadyReviewed), errors.Is(err, ledger.ErrAlreadyProcessed):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		logger.Error(logMsg, zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": logMsg})
	}
}
