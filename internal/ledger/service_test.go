package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/citadel-gov/backend/internal/ledger"
	"github.com/citadel-gov/backend/internal/storage/models"
	"github.com/citadel-gov/backend/internal/storage/sqlite"
	"github.com/citadel-gov/backend/pkg/logger"
)

func newTestService(t *testing.T) (*ledger.Service, *sqlite.Client) {
	t.Helper()
	if logger.Log == nil {
		if err := logger.Init("error", "console", "stdout"); err != nil {
			t.Fatal(err)
		}
	}

	store, err := sqlite.NewClient(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatal(err)
	}

	gate, err := ledger.NewGate(0.60, 0.80)
	if err != nil {
		t.Fatal(err)
	}

	svc := ledger.NewService(store, nil, ledger.Config{
		Gate:                  gate,
		ActiveLearningEnabled: true,
		MaxLineageDepth:       32,
	}, nil)
	return svc, store
}

func recordReq(confidence float64) ledger.RecordRequest {
	return ledger.RecordRequest{
		ModelName:    "ticket-priority-v1",
		ModelVersion: "1.0.0",
		Module:       "ticket_analyzer",
		Input:        map[string]any{"subject": "streetlight out", "body": "dark corner"},
		Output:       json.RawMessage(`{"priority":"high"}`),
		Confidence:   confidence,
		Explanation:  "keyword match on safety terms",
	}
}

func TestRecordLowConfidenceFlagsAndQueues(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	d, err := svc.Record(ctx, recordReq(0.4))
	if err != nil {
		t.Fatal(err)
	}
	if !d.RequiresHumanReview {
		t.Error("confidence 0.4 with threshold 0.6 must require review")
	}

	pending := false
	entries, err := store.ListQueue(ctx, ledger.QueueFilter{Processed: &pending})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one queue entry, got %d", len(entries))
	}
	if entries[0].DecisionID != d.ID || entries[0].Reason != "low_confidence" {
		t.Errorf("queue entry mismatch: %+v", entries[0])
	}
}

func TestRecordHighConfidenceNotQueued(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	d, err := svc.Record(ctx, recordReq(0.9))
	if err != nil {
		t.Fatal(err)
	}
	if d.RequiresHumanReview {
		t.Error("confidence 0.9 with threshold 0.6 must not require review")
	}

	entries, err := store.ListQueue(ctx, ledger.QueueFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no queue entries, got %d", len(entries))
	}
}

func TestRecordValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*ledger.RecordRequest)
	}{
		{"confidence above one", func(r *ledger.RecordRequest) { r.Confidence = 1.5 }},
		{"confidence negative", func(r *ledger.RecordRequest) { r.Confidence = -0.1 }},
		{"empty module", func(r *ledger.RecordRequest) { r.Module = "" }},
		{"missing output", func(r *ledger.RecordRequest) { r.Output = nil }},
		{"malformed output", func(r *ledger.RecordRequest) { r.Output = json.RawMessage(`{`) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := recordReq(0.9)
			tc.mutate(&req)
			_, err := svc.Record(ctx, req)
			if !errors.Is(err, ledger.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestGetReturnsWhatWasRecorded(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := recordReq(0.75)
	req.Evidence = []models.Evidence{{Source: "faq:12", Snippet: "report outages on 311"}}
	req.VectorIDs = []string{"vec-1"}
	req.SourceDocumentID = "doc-9"

	recorded, err := svc.Record(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(ctx, recorded.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ModelName != req.ModelName || got.Module != req.Module || got.Confidence != req.Confidence {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if string(got.Output) != string(req.Output) {
		t.Errorf("output mismatch: %s", got.Output)
	}
	if got.InputFingerprint != recorded.InputFingerprint {
		t.Error("fingerprint changed between record and get")
	}
	if got.SourceDocumentID != "doc-9" || len(got.Evidence) != 1 || len(got.VectorIDs) != 1 {
		t.Errorf("reference fields mismatch: %+v", got)
	}
}

func TestGetUnknownDecision(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), uuid.NewString())
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOverrideSecondCallRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	d, err := svc.Record(ctx, recordReq(0.4))
	if err != nil {
		t.Fatal(err)
	}

	first := ledger.OverrideRequest{
		DecisionID: d.ID,
		ReviewerID: "reviewer-1",
		Verdict:    models.VerdictApproved,
		Notes:      "correct",
	}
	if err := svc.Override(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := first
	second.ReviewerID = "reviewer-2"
	second.Verdict = models.VerdictRejected
	err = svc.Override(ctx, second)
	if !errors.Is(err, ledger.ErrAlreadyReviewed) {
		t.Fatalf("expected ErrAlreadyReviewed, got %v", err)
	}

	got, err := svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HumanReviewerID != "reviewer-1" || got.HumanDecision != models.VerdictApproved {
		t.Errorf("first override was overwritten: %+v", got)
	}
}

func TestOverrideUnknownDecision(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.Override(context.Background(), ledger.OverrideRequest{
		DecisionID: uuid.NewString(),
		ReviewerID: "reviewer-1",
		Verdict:    models.VerdictApproved,
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOverrideValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	d, err := svc.Record(ctx, recordReq(0.4))
	if err != nil {
		t.Fatal(err)
	}

	err = svc.Override(ctx, ledger.OverrideRequest{
		DecisionID: d.ID, ReviewerID: "", Verdict: models.VerdictApproved,
	})
	if !errors.Is(err, ledger.ErrInvalidArgument) {
		t.Errorf("empty reviewer: expected ErrInvalidArgument, got %v", err)
	}

	err = svc.Override(ctx, ledger.OverrideRequest{
		DecisionID: d.ID, ReviewerID: "reviewer-1", Verdict: "escalated",
	})
	if !errors.Is(err, ledger.ErrInvalidArgument) {
		t.Errorf("unknown verdict: expected ErrInvalidArgument, got %v", err)
	}
}

func TestModifiedOverrideCreatesTrainingSample(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	d, err := svc.Record(ctx, recordReq(0.4))
	if err != nil {
		t.Fatal(err)
	}
	originalOutput := string(d.Output)

	err = svc.Override(ctx, ledger.OverrideRequest{
		DecisionID:      d.ID,
		ReviewerID:      "reviewer-1",
		Verdict:         models.VerdictModified,
		CorrectedOutput: json.RawMessage(`{"priority":"critical"}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TrainingSamples != 1 {
		t.Fatalf("expected exactly one training sample, got %d", stats.TrainingSamples)
	}

	// The sample must carry the output as it was before the override.
	sample := fetchSample(t, store, d.ID)
	if string(sample.OriginalOutput) != originalOutput {
		t.Errorf("original_output = %s, want %s", sample.OriginalOutput, originalOutput)
	}
	if string(sample.CorrectedOutput) != `{"priority":"critical"}` {
		t.Errorf("corrected_output = %s", sample.CorrectedOutput)
	}
	var inputData map[string]string
	if err := json.Unmarshal(sample.InputData, &inputData); err != nil {
		t.Fatal(err)
	}
	if inputData["fingerprint"] != d.InputFingerprint {
		t.Errorf("input_data fingerprint = %q, want %q", inputData["fingerprint"], d.InputFingerprint)
	}
}

func TestApprovedOverrideCreatesNoSample(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	d, err := svc.Record(ctx, recordReq(0.4))
	if err != nil {
		t.Fatal(err)
	}

	err = svc.Override(ctx, ledger.OverrideRequest{
		DecisionID: d.ID, ReviewerID: "reviewer-1", Verdict: models.VerdictApproved,
	})
	if err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TrainingSamples != 0 {
		t.Errorf("approved override should not create samples, got %d", stats.TrainingSamples)
	}
}

func TestLineageChain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	d1, err := svc.Record(ctx, recordReq(0.9))
	if err != nil {
		t.Fatal(err)
	}

	req2 := recordReq(0.9)
	req2.ParentDecisionID = d1.ID
	d2, err := svc.Record(ctx, req2)
	if err != nil {
		t.Fatal(err)
	}

	req3 := recordReq(0.9)
	req3.ParentDecisionID = d2.ID
	d3, err := svc.Record(ctx, req3)
	if err != nil {
		t.Fatal(err)
	}

	chain, err := svc.Lineage(ctx, d3.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected chain of 3, got %d", len(chain))
	}
	if chain[0].ID != d3.ID || chain[1].ID != d2.ID || chain[2].ID != d1.ID {
		t.Errorf("chain order wrong: %s, %s, %s", chain[0].ID, chain[1].ID, chain[2].ID)
	}
}

func TestLineageDanglingParent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := recordReq(0.9)
	req.ParentDecisionID = uuid.NewString() // parent never recorded
	d, err := svc.Record(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	chain, err := svc.Lineage(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 1 || chain[0].ID != d.ID {
		t.Fatalf("expected partial chain [%s], got %+v", d.ID, chain)
	}
}

func TestLineageCycleTerminates(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// Forge a cycle directly in storage; Record can never produce one.
	id1 := uuid.NewString()
	id2 := uuid.NewString()
	now := time.Now().UTC()

	a := &models.Decision{
		ID: id1, ModelName: "m", Module: "anomaly", InputFingerprint: "f1",
		Output: json.RawMessage(`{}`), Confidence: 0.9,
		ParentDecisionID: id2, CreatedAt: now,
	}
	b := &models.Decision{
		ID: id2, ModelName: "m", Module: "anomaly", InputFingerprint: "f2",
		Output: json.RawMessage(`{}`), Confidence: 0.9,
		ParentDecisionID: id1, CreatedAt: now,
	}
	if err := store.InsertDecision(ctx, a, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertDecision(ctx, b, nil); err != nil {
		t.Fatal(err)
	}

	chain, err := svc.Lineage(ctx, id1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected resolved prefix of 2, got %d", len(chain))
	}
	if chain[0].ID != id1 || chain[1].ID != id2 {
		t.Errorf("prefix order wrong: %+v", chain)
	}
}

func TestLineageUnknownHead(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Lineage(context.Background(), uuid.NewString())
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGenerateBundleSnapshots(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := recordReq(0.9)
	req.Evidence = []models.Evidence{{Source: "sensor:aqi-12", Snippet: "reading 187"}}
	d1, err := svc.Record(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	req2 := recordReq(0.9)
	req2.ParentDecisionID = d1.ID
	d2, err := svc.Record(ctx, req2)
	if err != nil {
		t.Fatal(err)
	}

	bundle, err := svc.GenerateBundle(ctx, d2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if bundle.DecisionID != d2.ID || bundle.Decision.ID != d2.ID {
		t.Errorf("bundle decision mismatch: %+v", bundle)
	}
	if len(bundle.Lineage) != 2 {
		t.Errorf("expected lineage of 2 in bundle, got %d", len(bundle.Lineage))
	}

	again, err := svc.GenerateBundle(ctx, d2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.BundleID == bundle.BundleID {
		t.Error("regeneration must mint a distinct bundle id")
	}
}

func TestGenerateBundleUnknownDecision(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GenerateBundle(context.Background(), uuid.NewString())
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOnFlaggedHook(t *testing.T) {
	if logger.Log == nil {
		if err := logger.Init("error", "console", "stdout"); err != nil {
			t.Fatal(err)
		}
	}

	store, err := sqlite.NewClient(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatal(err)
	}

	gate, _ := ledger.NewGate(0.60, 0.80)

	var flagged []string
	svc := ledger.NewService(store, nil, ledger.Config{
		Gate:                  gate,
		ActiveLearningEnabled: true,
		MaxLineageDepth:       32,
		OnFlagged: func(entry models.QueueEntry, d models.Decision) {
			flagged = append(flagged, d.ID)
		},
	}, nil)

	low, err := svc.Record(context.Background(), recordReq(0.2))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Record(context.Background(), recordReq(0.95)); err != nil {
		t.Fatal(err)
	}

	if len(flagged) != 1 || flagged[0] != low.ID {
		t.Errorf("hook fired for %v, want exactly [%s]", flagged, low.ID)
	}
}

func TestActiveLearningDisabled(t *testing.T) {
	if logger.Log == nil {
		if err := logger.Init("error", "console", "stdout"); err != nil {
			t.Fatal(err)
		}
	}

	store, err := sqlite.NewClient(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatal(err)
	}

	gate, _ := ledger.NewGate(0.60, 0.80)
	svc := ledger.NewService(store, nil, ledger.Config{
		Gate:                  gate,
		ActiveLearningEnabled: false,
		MaxLineageDepth:       32,
	}, nil)

	d, err := svc.Record(context.Background(), recordReq(0.2))
	if err != nil {
		t.Fatal(err)
	}
	// Still flagged, just not queued.
	if !d.RequiresHumanReview {
		t.Error("decision should still be flagged for review")
	}
	entries, err := store.ListQueue(context.Background(), ledger.QueueFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no queue entries with active learning disabled, got %d", len(entries))
	}
}

func TestDismissQueueEntryKeepsDecisionOverridable(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	d, err := svc.Record(ctx, recordReq(0.3))
	if err != nil {
		t.Fatal(err)
	}

	pending := false
	entries, err := store.ListQueue(ctx, ledger.QueueFilter{Processed: &pending})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one pending entry, got %d", len(entries))
	}

	if err := svc.DismissQueueEntry(ctx, entries[0].ID, "reviewer-1"); err != nil {
		t.Fatal(err)
	}

	// Dismissal does not review the decision.
	got, err := svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HumanReviewed {
		t.Error("dismissal must not set review fields")
	}
	if err := svc.Override(ctx, ledger.OverrideRequest{
		DecisionID: d.ID, ReviewerID: "reviewer-1", Verdict: models.VerdictApproved,
	}); err != nil {
		t.Errorf("decision should still be overridable after dismissal: %v", err)
	}
}

func fetchSample(t *testing.T, store *sqlite.Client, decisionID string) models.TrainingSample {
	t.Helper()
	samples, err := store.ListTrainingSamples(context.Background(), decisionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected one sample for %s, got %d", decisionID, len(samples))
	}
	return samples[0]
}
