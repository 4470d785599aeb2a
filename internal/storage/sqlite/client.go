package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/citadel-gov/backend/internal/ledger"
	"github.com/citadel-gov/backend/internal/storage/models"
	"github.com/citadel-gov/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	// parent_decision_id deliberately has no foreign key: a dangling parent
	// must degrade a lineage walk, not block an insert.
	schema := `
	CREATE TABLE IF NOT EXISTS ai_decisions (
		id TEXT PRIMARY KEY,
		model_name TEXT NOT NULL,
		model_version TEXT,
		module TEXT NOT NULL,
		input_fingerprint TEXT NOT NULL,
		input_summary TEXT,
		output TEXT NOT NULL,
		confidence REAL NOT NULL,
		evidence TEXT,
		explanation TEXT,
		parent_decision_id TEXT,
		source_document_id TEXT,
		vector_ids TEXT,
		requires_human_review INTEGER NOT NULL DEFAULT 0,
		human_reviewed INTEGER NOT NULL DEFAULT 0,
		human_reviewer_id TEXT,
		human_decision TEXT,
		human_notes TEXT,
		reviewed_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_module ON ai_decisions(module);
	CREATE INDEX IF NOT EXISTS idx_decisions_fingerprint ON ai_decisions(input_fingerprint);
	CREATE INDEX IF NOT EXISTS idx_decisions_parent ON ai_decisions(parent_decision_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_review ON ai_decisions(requires_human_review, human_reviewed);
	CREATE INDEX IF NOT EXISTS idx_decisions_created ON ai_decisions(created_at);

	CREATE TABLE IF NOT EXISTS learning_queue (
		id TEXT PRIMARY KEY,
		decision_id TEXT NOT NULL,
		model_name TEXT NOT NULL,
		reason TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (decision_id) REFERENCES ai_decisions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_queue_decision ON learning_queue(decision_id);
	CREATE INDEX IF NOT EXISTS idx_queue_pending ON learning_queue(processed, created_at);

	CREATE TABLE IF NOT EXISTS training_samples (
		id TEXT PRIMARY KEY,
		decision_id TEXT NOT NULL,
		model_name TEXT NOT NULL,
		input_data TEXT NOT NULL,
		original_output TEXT NOT NULL,
		corrected_output TEXT NOT NULL,
		corrected_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (decision_id) REFERENCES ai_decisions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_samples_model ON training_samples(model_name);

	CREATE TABLE IF NOT EXISTS evidence_bundles (
		id TEXT PRIMARY KEY,
		decision_id TEXT NOT NULL,
		bundle TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (decision_id) REFERENCES ai_decisions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_bundles_decision ON evidence_bundles(decision_id);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		actor_id TEXT,
		details TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_events(entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

const decisionColumns = `id, model_name, model_version, module, input_fingerprint, input_summary,
	output, confidence, evidence, explanation, parent_decision_id, source_document_id, vector_ids,
	requires_human_review, human_reviewed, human_reviewer_id, human_decision, human_notes,
	reviewed_at, created_at`

// InsertDecision persists a decision and, when entry is non-nil, its queue
// entry in the same transaction. Both land or neither does.
func (c *Client) InsertDecision(ctx context.Context, d *models.Decision, entry *models.QueueEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	evidenceJSON, _ := json.Marshal(d.Evidence)
	vectorIDsJSON, _ := json.Marshal(d.VectorIDs)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ai_decisions (id, model_name, model_version, module, input_fingerprint,
			input_summary, output, confidence, evidence, explanation, parent_decision_id,
			source_document_id, vector_ids, requires_human_review, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.ModelName,
		d.ModelVersion,
		d.Module,
		d.InputFingerprint,
		d.InputSummary,
		string(d.Output),
		d.Confidence,
		string(evidenceJSON),
		d.Explanation,
		nullable(d.ParentDecisionID),
		nullable(d.SourceDocumentID),
		string(vectorIDsJSON),
		boolToInt(d.RequiresHumanReview),
		d.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}

	if entry != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO learning_queue (id, decision_id, model_name, reason, processed, created_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			entry.ID,
			entry.DecisionID,
			entry.ModelName,
			entry.Reason,
			entry.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert queue entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit decision: %w", err)
	}

	logger.Debug("Decision persisted",
		zap.String("decision_id", d.ID),
		zap.Bool("queued", entry != nil),
	)
	return nil
}

func (c *Client) GetDecision(ctx context.Context, id string) (*models.Decision, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM ai_decisions WHERE id = ?`, id)

	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: decision %s", ledger.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return d, nil
}

func (c *Client) ListDecisions(ctx context.Context, f ledger.DecisionFilter) ([]models.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM ai_decisions WHERE 1=1`
	args := []any{}

	if f.Module != "" {
		query += ` AND module = ?`
		args = append(args, f.Module)
	}
	if f.RequiresReview != nil {
		query += ` AND requires_human_review = ?`
		args = append(args, boolToInt(*f.RequiresReview))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []models.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

// ApplyOverride sets the review fields conditionally and, in the same
// transaction, inserts the training sample and audit event and marks the
// originating queue entry processed. The conditional update is what makes a
// concurrent second reviewer lose with ErrAlreadyReviewed instead of
// silently overwriting the first verdict.
func (c *Client) ApplyOverride(ctx context.Context, w ledger.OverrideWrite) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ai_decisions
		SET human_reviewed = 1, human_reviewer_id = ?, human_decision = ?,
			human_notes = ?, reviewed_at = ?
		WHERE id = ? AND human_reviewed = 0`,
		w.ReviewerID,
		w.Verdict,
		w.Notes,
		w.ReviewedAt.Unix(),
		w.DecisionID,
	)
	if err != nil {
		return fmt.Errorf("failed to apply override: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM ai_decisions WHERE id = ?`, w.DecisionID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check decision existence: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: decision %s", ledger.ErrNotFound, w.DecisionID)
		}
		return fmt.Errorf("%w: decision %s", ledger.ErrAlreadyReviewed, w.DecisionID)
	}

	if w.TrainingSample != nil {
		s := w.TrainingSample
		_, err = tx.ExecContext(ctx, `
			INSERT INTO training_samples (id, decision_id, model_name, input_data,
				original_output, corrected_output, corrected_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID,
			s.DecisionID,
			s.ModelName,
			string(s.InputData),
			string(s.OriginalOutput),
			string(s.CorrectedOutput),
			s.CorrectedBy,
			s.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert training sample: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE learning_queue SET processed = 1 WHERE decision_id = ? AND processed = 0`,
		w.DecisionID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark queue entry processed: %w", err)
	}

	if w.AuditEvent != nil {
		if err := insertAuditEventTx(ctx, tx, w.AuditEvent); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit override: %w", err)
	}

	logger.Info("Override persisted",
		zap.String("decision_id", w.DecisionID),
		zap.String("verdict", w.Verdict),
		zap.Bool("training_sample", w.TrainingSample != nil),
	)
	return nil
}

func (c *Client) ListQueue(ctx context.Context, f ledger.QueueFilter) ([]models.QueueEntry, error) {
	query := `SELECT id, decision_id, model_name, reason, processed, created_at
		FROM learning_queue WHERE 1=1`
	args := []any{}

	if f.ModelName != "" {
		query += ` AND model_name = ?`
		args = append(args, f.ModelName)
	}
	if f.Processed != nil {
		query += ` AND processed = ?`
		args = append(args, boolToInt(*f.Processed))
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	return scanQueueEntries(rows)
}

// ListOverdueQueue returns unprocessed entries created at or before cutoff,
// oldest first. Used by the SLA watcher.
func (c *Client) ListOverdueQueue(ctx context.Context, cutoff time.Time, limit int) ([]models.QueueEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, decision_id, model_name, reason, processed, created_at
		FROM learning_queue
		WHERE processed = 0 AND created_at <= ?
		ORDER BY created_at ASC LIMIT ?`,
		cutoff.Unix(), limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue queue: %w", err)
	}
	defer rows.Close()

	return scanQueueEntries(rows)
}

// CountPendingQueue returns the number of unprocessed queue entries.
func (c *Client) CountPendingQueue(ctx context.Context) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM learning_queue WHERE processed = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending queue: %w", err)
	}
	return count, nil
}

// DismissQueueEntry flips processed without touching the linked decision,
// recording the audit event in the same transaction.
func (c *Client) DismissQueueEntry(ctx context.Context, entryID string, event *models.AuditEvent) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE learning_queue SET processed = 1 WHERE id = ? AND processed = 0`, entryID)
	if err != nil {
		return fmt.Errorf("failed to dismiss queue entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM learning_queue WHERE id = ?`, entryID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check queue entry existence: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: queue entry %s", ledger.ErrNotFound, entryID)
		}
		return fmt.Errorf("%w: queue entry %s", ledger.ErrAlreadyProcessed, entryID)
	}

	if event != nil {
		if err := insertAuditEventTx(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dismissal: %w", err)
	}
	return nil
}

// ListTrainingSamples returns samples for one decision, newest first. A
// decision can accumulate at most one sample per override path today, but
// the listing stays plural for the training-export consumers.
func (c *Client) ListTrainingSamples(ctx context.Context, decisionID string) ([]models.TrainingSample, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, decision_id, model_name, input_data, original_output,
			corrected_output, corrected_by, created_at
		FROM training_samples WHERE decision_id = ?
		ORDER BY created_at DESC`,
		decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list training samples: %w", err)
	}
	defer rows.Close()

	var samples []models.TrainingSample
	for rows.Next() {
		var s models.TrainingSample
		var inputData, originalOutput, correctedOutput string
		var createdAt int64

		err := rows.Scan(&s.ID, &s.DecisionID, &s.ModelName, &inputData,
			&originalOutput, &correctedOutput, &s.CorrectedBy, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan training sample: %w", err)
		}
		s.InputData = json.RawMessage(inputData)
		s.OriginalOutput = json.RawMessage(originalOutput)
		s.CorrectedOutput = json.RawMessage(correctedOutput)
		s.CreatedAt = time.Unix(createdAt, 0).UTC()
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (c *Client) InsertBundle(ctx context.Context, b *models.EvidenceBundle) error {
	bundleJSON, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO evidence_bundles (id, decision_id, bundle, created_at)
		VALUES (?, ?, ?, ?)`,
		b.BundleID,
		b.DecisionID,
		string(bundleJSON),
		b.GeneratedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert bundle: %w", err)
	}
	return nil
}

func (c *Client) InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertAuditEventTx(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAuditEventTx(ctx context.Context, tx *sql.Tx, e *models.AuditEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, action, entity_type, entity_id, actor_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Action,
		e.EntityType,
		e.EntityID,
		nullable(e.ActorID),
		nullableRaw(e.Details),
		e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (c *Client) ListAuditEvents(ctx context.Context, entityID string, limit int) ([]models.AuditEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, actor_id, details, created_at
		FROM audit_events WHERE entity_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		entityID, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var actorID, details sql.NullString
		var createdAt int64

		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &actorID, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.ActorID = actorID.String
		if details.Valid && details.String != "" {
			e.Details = json.RawMessage(details.String)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func (c *Client) Stats(ctx context.Context) (*models.GovernanceStats, error) {
	stats := &models.GovernanceStats{ByModule: make(map[string]int64)}

	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(requires_human_review), 0),
			COALESCE(SUM(human_reviewed), 0)
		FROM ai_decisions`).Scan(&stats.TotalDecisions, &stats.FlaggedForReview, &stats.HumanReviewed)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate decisions: %w", err)
	}

	err = c.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM training_samples`).Scan(&stats.TrainingSamples)
	if err != nil {
		return nil, fmt.Errorf("failed to count training samples: %w", err)
	}

	err = c.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM learning_queue WHERE processed = 0`).Scan(&stats.PendingQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending queue: %w", err)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT module, COUNT(1) FROM ai_decisions GROUP BY module`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by module: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var module string
		var count int64
		if err := rows.Scan(&module, &count); err != nil {
			return nil, fmt.Errorf("failed to scan module count: %w", err)
		}
		stats.ByModule[module] = count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*models.Decision, error) {
	var d models.Decision
	var output, evidenceJSON, vectorIDsJSON string
	var modelVersion, inputSummary, explanation sql.NullString
	var parentID, sourceDocID, reviewerID, humanDecision, humanNotes sql.NullString
	var requiresReview, humanReviewed int
	var reviewedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&d.ID,
		&d.ModelName,
		&modelVersion,
		&d.Module,
		&d.InputFingerprint,
		&inputSummary,
		&output,
		&d.Confidence,
		&evidenceJSON,
		&explanation,
		&parentID,
		&sourceDocID,
		&vectorIDsJSON,
		&requiresReview,
		&humanReviewed,
		&reviewerID,
		&humanDecision,
		&humanNotes,
		&reviewedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	d.ModelVersion = modelVersion.String
	d.InputSummary = inputSummary.String
	d.Output = json.RawMessage(output)
	d.Explanation = explanation.String
	d.ParentDecisionID = parentID.String
	d.SourceDocumentID = sourceDocID.String
	d.RequiresHumanReview = requiresReview != 0
	d.HumanReviewed = humanReviewed != 0
	d.HumanReviewerID = reviewerID.String
	d.HumanDecision = humanDecision.String
	d.HumanNotes = humanNotes.String
	d.CreatedAt = time.Unix(createdAt, 0).UTC()

	if reviewedAt.Valid {
		t := time.Unix(reviewedAt.Int64, 0).UTC()
		d.ReviewedAt = &t
	}
	if evidenceJSON != "" && evidenceJSON != "null" {
		json.Unmarshal([]byte(evidenceJSON), &d.Evidence)
	}
	if vectorIDsJSON != "" && vectorIDsJSON != "null" {
		json.Unmarshal([]byte(vectorIDsJSON), &d.VectorIDs)
	}

	return &d, nil
}

func scanQueueEntries(rows *sql.Rows) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var processed int
		var createdAt int64

		if err := rows.Scan(&e.ID, &e.DecisionID, &e.ModelName, &e.Reason, &processed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Processed = processed != 0
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
