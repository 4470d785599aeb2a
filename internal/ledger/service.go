package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citadel-gov/backend/internal/metrics"
	"github.com/citadel-gov/backend/internal/storage/models"
)

const inputSummaryMaxLen = 500

// Store is the system of record behind the ledger. Implementations must make
// InsertDecision and ApplyOverride atomic: a flagged decision with no queue
// entry, or an override without its training sample, is a correctness bug.
type Store interface {
	InsertDecision(ctx context.Context, d *models.Decision, q *models.QueueEntry) error
	GetDecision(ctx context.Context, id string) (*models.Decision, error)
	ListDecisions(ctx context.Context, f DecisionFilter) ([]models.Decision, error)
	ApplyOverride(ctx context.Context, w OverrideWrite) error
	ListQueue(ctx context.Context, f QueueFilter) ([]models.QueueEntry, error)
	DismissQueueEntry(ctx context.Context, entryID string, event *models.AuditEvent) error
	ListTrainingSamples(ctx context.Context, decisionID string) ([]models.TrainingSample, error)
	InsertBundle(ctx context.Context, b *models.EvidenceBundle) error
	InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, entityID string, limit int) ([]models.AuditEvent, error)
	Stats(ctx context.Context) (*models.GovernanceStats, error)
}

// Cache holds immutable-once-written records close to the readers. Optional;
// a nil cache disables it. Implementations swallow their own errors: a cache
// miss is never a ledger failure.
type Cache interface {
	GetDecision(ctx context.Context, id string) (*models.Decision, bool)
	SetDecision(ctx context.Context, d *models.Decision)
	DropDecision(ctx context.Context, id string)
	SetBundle(ctx context.Context, b *models.EvidenceBundle)
}

// DecisionFilter narrows ListDecisions. Nil pointer fields are not applied.
type DecisionFilter struct {
	Module         string
	RequiresReview *bool
	Limit          int
}

// QueueFilter narrows ListQueue.
type QueueFilter struct {
	ModelName string
	Processed *bool
	Limit     int
}

// OverrideWrite carries everything one override transaction persists. The
// store applies the review fields conditionally (only if still unreviewed)
// and inserts the sample and audit rows in the same transaction.
type OverrideWrite struct {
	DecisionID string
	ReviewerID string
	Verdict    string
	Notes      string
	ReviewedAt time.Time

	TrainingSample *models.TrainingSample
	AuditEvent     *models.AuditEvent
}

// Config fixes the review policy for the service lifetime.
type Config struct {
	Gate                  *Gate
	ActiveLearningEnabled bool
	MaxLineageDepth       int

	// OnFlagged is invoked after a review-required decision is durably
	// recorded, with the queue entry that was created for it.
	OnFlagged func(entry models.QueueEntry, d models.Decision)
}

// Service is the decision governance ledger. One instance is constructed at
// process start and shared by every producer and handler.
type Service struct {
	store  Store
	cache  Cache
	gate   *Gate
	cfg    Config
	logger *zap.Logger
}

func NewService(store Store, cache Cache, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxLineageDepth <= 0 {
		cfg.MaxLineageDepth = 32
	}
	return &Service{
		store:  store,
		cache:  cache,
		gate:   cfg.Gate,
		cfg:    cfg,
		logger: log,
	}
}

// RecordRequest is the producer-facing contract: model identity, the raw
// input, the opaque output payload and the producer's own confidence.
type RecordRequest struct {
	ModelName        string
	ModelVersion     string
	Module           string
	Input            any
	Output           json.RawMessage
	Confidence       float64
	ParentDecisionID string
	SourceDocumentID string
	VectorIDs        []string
	Evidence         []models.Evidence
	Explanation      string
}

func (r *RecordRequest) validate() error {
	if r.Module == "" {
		return fmt.Errorf("%w: module must not be empty", ErrInvalidArgument)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidArgument, r.Confidence)
	}
	if len(r.Output) == 0 {
		return fmt.Errorf("%w: output must be present", ErrInvalidArgument)
	}
	if !json.Valid(r.Output) {
		return fmt.Errorf("%w: output is not valid JSON", ErrInvalidArgument)
	}
	return nil
}

// Record fingerprints the input, gates the confidence and persists the
// decision; a flagged decision atomically gains an active-learning queue
// entry. The review flag is computed once here and never recomputed.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*models.Decision, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	decision := &models.Decision{
		ID:                  uuid.NewString(),
		ModelName:           req.ModelName,
		ModelVersion:        req.ModelVersion,
		Module:              req.Module,
		InputFingerprint:    Fingerprint(req.Input),
		InputSummary:        summarize(req.Input, inputSummaryMaxLen),
		Output:              req.Output,
		Confidence:          req.Confidence,
		Evidence:            req.Evidence,
		Explanation:         req.Explanation,
		ParentDecisionID:    req.ParentDecisionID,
		SourceDocumentID:    req.SourceDocumentID,
		VectorIDs:           req.VectorIDs,
		RequiresHumanReview: s.gate.RequiresReview(req.Confidence),
		CreatedAt:           now,
	}

	var entry *models.QueueEntry
	if decision.RequiresHumanReview && s.cfg.ActiveLearningEnabled {
		entry = &models.QueueEntry{
			ID:         uuid.NewString(),
			DecisionID: decision.ID,
			ModelName:  decision.ModelName,
			Reason:     "low_confidence",
			CreatedAt:  now,
		}
	}

	if err := s.store.InsertDecision(ctx, decision, entry); err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}

	metrics.DecisionsRecorded.WithLabelValues(decision.Module).Inc()
	metrics.DecisionConfidence.Observe(decision.Confidence)
	if decision.RequiresHumanReview {
		metrics.ReviewRequired.WithLabelValues(decision.Module).Inc()
	}

	s.logger.Info("Decision recorded",
		zap.String("decision_id", decision.ID),
		zap.String("module", decision.Module),
		zap.String("model", decision.ModelName),
		zap.Float64("confidence", decision.Confidence),
		zap.Bool("requires_review", decision.RequiresHumanReview),
	)

	if s.cache != nil {
		s.cache.SetDecision(ctx, decision)
	}
	if entry != nil && s.cfg.OnFlagged != nil {
		s.cfg.OnFlagged(*entry, *decision)
	}

	return decision, nil
}

// Get returns a decision by id, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*models.Decision, error) {
	if s.cache != nil {
		if d, ok := s.cache.GetDecision(ctx, id); ok {
			return d, nil
		}
	}

	d, err := s.store.GetDecision(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetDecision(ctx, d)
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, f DecisionFilter) ([]models.Decision, error) {
	return s.store.ListDecisions(ctx, f)
}

// OverrideRequest carries a human verdict for one decision.
type OverrideRequest struct {
	DecisionID      string
	ReviewerID      string
	Verdict         string
	Notes           string
	CorrectedOutput json.RawMessage
}

func (r *OverrideRequest) validate() error {
	if r.ReviewerID == "" {
		return fmt.Errorf("%w: reviewer_id must not be empty", ErrInvalidArgument)
	}
	switch r.Verdict {
	case models.VerdictApproved, models.VerdictRejected, models.VerdictModified:
	default:
		return fmt.Errorf("%w: unknown verdict %q", ErrInvalidArgument, r.Verdict)
	}
	if len(r.CorrectedOutput) > 0 && !json.Valid(r.CorrectedOutput) {
		return fmt.Errorf("%w: corrected_output is not valid JSON", ErrInvalidArgument)
	}
	return nil
}

// Override records a human verdict. Review fields are write-once: a second
// override is rejected with ErrAlreadyReviewed rather than accepted silently,
// so it stays unambiguous which correction is authoritative. A modified
// verdict with a corrected output also creates a training sample carrying the
// output as it was before this call.
func (s *Service) Override(ctx context.Context, req OverrideRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	original, err := s.store.GetDecision(ctx, req.DecisionID)
	if err != nil {
		return err
	}
	if original.HumanReviewed {
		return fmt.Errorf("%w: decision %s", ErrAlreadyReviewed, req.DecisionID)
	}

	now := time.Now().UTC()
	write := OverrideWrite{
		DecisionID: req.DecisionID,
		ReviewerID: req.ReviewerID,
		Verdict:    req.Verdict,
		Notes:      req.Notes,
		ReviewedAt: now,
	}

	if req.Verdict == models.VerdictModified && len(req.CorrectedOutput) > 0 {
		inputData, _ := json.Marshal(map[string]string{"fingerprint": original.InputFingerprint})
		write.TrainingSample = &models.TrainingSample{
			ID:              uuid.NewString(),
			DecisionID:      original.ID,
			ModelName:       original.ModelName,
			InputData:       inputData,
			OriginalOutput:  original.Output,
			CorrectedOutput: req.CorrectedOutput,
			CorrectedBy:     req.ReviewerID,
			CreatedAt:       now,
		}
	}

	details, _ := json.Marshal(map[string]string{"verdict": req.Verdict})
	write.AuditEvent = &models.AuditEvent{
		ID:         uuid.NewString(),
		Action:     "human_override",
		EntityType: "decision",
		EntityID:   original.ID,
		ActorID:    req.ReviewerID,
		Details:    details,
		CreatedAt:  now,
	}

	if err := s.store.ApplyOverride(ctx, write); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.DropDecision(ctx, req.DecisionID)
	}

	metrics.OverridesRecorded.WithLabelValues(req.Verdict).Inc()
	if write.TrainingSample != nil {
		metrics.TrainingSamplesCreated.WithLabelValues(original.ModelName).Inc()
	}

	s.logger.Info("Human override recorded",
		zap.String("decision_id", req.DecisionID),
		zap.String("reviewer_id", req.ReviewerID),
		zap.String("verdict", req.Verdict),
	)

	return nil
}

// Lineage resolves the causal chain for a decision, most recent first,
// ending at a root, a dangling parent, the depth cap or a detected cycle. A
// partial chain is still returned: audit completeness degrades gracefully
// rather than failing closed.
func (s *Service) Lineage(ctx context.Context, decisionID string) ([]models.Decision, error) {
	chain := make([]models.Decision, 0, 4)
	visited := make(map[string]struct{})
	currentID := decisionID

	for currentID != "" && len(chain) < s.cfg.MaxLineageDepth {
		if _, seen := visited[currentID]; seen {
			metrics.CorruptLineageDetected.Inc()
			s.logger.Error("Lineage cycle detected",
				zap.String("decision_id", decisionID),
				zap.String("revisited_id", currentID),
				zap.Error(ErrCorruptLineage),
			)
			break
		}
		visited[currentID] = struct{}{}

		d, err := s.Get(ctx, currentID)
		if err != nil {
			// A dangling parent ends the walk; only a missing head is an
			// error the caller should see.
			if len(chain) == 0 {
				return nil, err
			}
			s.logger.Warn("Lineage walk hit dangling parent",
				zap.String("decision_id", decisionID),
				zap.String("missing_id", currentID),
			)
			break
		}

		chain = append(chain, *d)
		currentID = d.ParentDecisionID
	}

	metrics.LineageDepth.Observe(float64(len(chain)))
	return chain, nil
}

// GenerateBundle snapshots a decision, its lineage and its evidence into a
// new immutable bundle. Each call mints a fresh bundle id; earlier bundles
// are never touched.
func (s *Service) GenerateBundle(ctx context.Context, decisionID string) (*models.EvidenceBundle, error) {
	decision, err := s.Get(ctx, decisionID)
	if err != nil {
		return nil, err
	}

	lineage, err := s.Lineage(ctx, decisionID)
	if err != nil {
		return nil, err
	}

	bundle := &models.EvidenceBundle{
		BundleID:    uuid.NewString(),
		DecisionID:  decisionID,
		GeneratedAt: time.Now().UTC(),
		Decision:    *decision,
		Lineage:     lineage,
		Evidence:    decision.Evidence,
	}

	if err := s.store.InsertBundle(ctx, bundle); err != nil {
		return nil, fmt.Errorf("failed to persist bundle: %w", err)
	}

	if s.cache != nil {
		s.cache.SetBundle(ctx, bundle)
	}

	metrics.BundlesGenerated.Inc()
	s.logger.Info("Evidence bundle generated",
		zap.String("bundle_id", bundle.BundleID),
		zap.String("decision_id", decisionID),
		zap.Int("lineage_len", len(lineage)),
	)

	return bundle, nil
}

// Queue lists active-learning entries for reviewer dashboards.
func (s *Service) Queue(ctx context.Context, f QueueFilter) ([]models.QueueEntry, error) {
	return s.store.ListQueue(ctx, f)
}

// DismissQueueEntry marks an entry processed without reviewing the linked
// decision. The decision itself stays overridable.
func (s *Service) DismissQueueEntry(ctx context.Context, entryID, actorID string) error {
	event := &models.AuditEvent{
		ID:         uuid.NewString(),
		Action:     "queue_dismissed",
		EntityType: "queue_entry",
		EntityID:   entryID,
		ActorID:    actorID,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.store.DismissQueueEntry(ctx, entryID, event); err != nil {
		return err
	}

	s.logger.Info("Queue entry dismissed",
		zap.String("entry_id", entryID),
		zap.String("actor_id", actorID),
	)
	return nil
}

// TrainingSamples lists the corrections derived from overrides of a
// decision, for training-export consumers.
func (s *Service) TrainingSamples(ctx context.Context, decisionID string) ([]models.TrainingSample, error) {
	return s.store.ListTrainingSamples(ctx, decisionID)
}

// AuditEvents lists the immutable audit trail for an entity.
func (s *Service) AuditEvents(ctx context.Context, entityID string, limit int) ([]models.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, entityID, limit)
}

// Stats aggregates governance counts for the dashboard surface.
func (s *Service) Stats(ctx context.Context) (*models.GovernanceStats, error) {
	return s.store.Stats(ctx)
}
