package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

// --- Reviews ---

func (s *PostgresStore) AppendReview(ctx context.Context, rec *models.ReviewRecord) error {
	findings, err := json.Marshal(rec.Findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}
	checks, err := json.Marshal(rec.Checks)
	if err != nil {
		return fmt.Errorf("failed to encode checks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reviews (id, project_number, reviewer_id, executor_id, iteration,
			verdict, findings, checks, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ProjectNumber, rec.ReviewerAgentID, rec.ExecutorAgentID,
		rec.Iteration, rec.Verdict, findings, checks, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append review: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviews(ctx context.Context, projectNumber int64) ([]*models.ReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_number, reviewer_id, executor_id, iteration, verdict,
			findings, checks, created_at
		FROM reviews WHERE project_number = $1 ORDER BY iteration`, projectNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var records []*models.ReviewRecord
	for rows.Next() {
		var rec models.ReviewRecord
		var findings, checks []byte
		if err := rows.Scan(&rec.ID, &rec.ProjectNumber, &rec.ReviewerAgentID,
			&rec.ExecutorAgentID, &rec.Iteration, &rec.Verdict, &findings, &checks,
			&rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(findings) > 0 {
			if err := json.Unmarshal(findings, &rec.Findings); err != nil {
				return nil, fmt.Errorf("failed to decode findings: %w", err)
			}
		}
		if len(checks) > 0 {
			if err := json.Unmarshal(checks, &rec.Checks); err != nil {
				return nil, fmt.Errorf("failed to decode checks: %w", err)
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// --- Proposals ---

// CreateProposal persists a proposal keyed by its idempotency bucket. A
// duplicate key is a conflict: the earlier proposal already created (or is
// creating) the project.
func (s *PostgresStore) CreateProposal(ctx context.Context, p *models.Proposal) error {
	criteria, err := json.Marshal(p.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("failed to encode acceptance criteria: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, workspace_id, agent_id, category_tag, title, problem,
			acceptance_criteria, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.WorkspaceID, p.GeneratingAgentID, p.CategoryTag, p.Title,
		p.ProblemStatement, criteria, p.IdempotencyKey(), p.CreatedAt)
	if isUniqueViolation(err) {
		return orcherr.Wrap(orcherr.KindConflict, err,
			"duplicate proposal %s", p.IdempotencyKey())
	}
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) BindProposalProject(ctx context.Context, proposalID string, number int64) error {
	tag, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET project_number = $2 WHERE id = $1`, proposalID, number)
	if err != nil {
		return fmt.Errorf("failed to bind proposal: %w", err)
	}
	return requireRow(tag, "proposal %s", proposalID)
}

func (s *PostgresStore) DeleteProposal(ctx context.Context, proposalID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proposals WHERE id = $1`, proposalID)
	if err != nil {
		return fmt.Errorf("failed to delete proposal: %w", err)
	}
	return nil
}

// --- Cost ledger ---

func (s *PostgresStore) AppendCostEntry(ctx context.Context, e *models.CostLedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_entries (workspace_id, agent_id, project_number, usd, tokens, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.WorkspaceID, e.AgentID, e.ProjectNumber, e.USD, e.Tokens, e.At)
	if err != nil {
		return fmt.Errorf("failed to append cost entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) SumCost(ctx context.Context, workspaceID string, since time.Time) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(usd), 0) FROM cost_entries WHERE workspace_id = $1 AND at >= $2`,
		workspaceID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) SumAgentCost(ctx context.Context, agentID string, since time.Time) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(usd), 0) FROM cost_entries WHERE agent_id = $1 AND at >= $2`,
		agentID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum agent cost: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) CostEntriesSince(ctx context.Context, workspaceID string, since time.Time) ([]*models.CostLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, agent_id, project_number, usd, tokens, at
		FROM cost_entries WHERE workspace_id = $1 AND at >= $2 ORDER BY at`,
		workspaceID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.CostLedgerEntry
	for rows.Next() {
		var e models.CostLedgerEntry
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.AgentID, &e.ProjectNumber,
			&e.USD, &e.Tokens, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Event log ---

// AppendEvent persists a bus event under its already-assigned sequence.
// Re-persisting the same seq is a no-op so a retried publish stays
// idempotent.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev *models.Event) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (seq, type, payload, at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (seq) DO NOTHING`,
		ev.Seq, ev.Type, []byte(payload), ev.At)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read last event seq: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) EventsSince(ctx context.Context, sinceSeq int64, limit int) ([]*models.Event, error) {
	query := `SELECT seq, type, payload, at FROM events WHERE seq > $1 ORDER BY seq`
	args := []any{sinceSeq}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var ev models.Event
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.Type, &payload, &ev.At); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// PruneEvents deletes events older than the cutoff while always keeping the
// newest keepLast regardless of age.
func (s *PostgresStore) PruneEvents(ctx context.Context, olderThan time.Time, keepLast int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE at < $1
		  AND seq <= (SELECT COALESCE(MAX(seq), 0) FROM events) - $2`,
		olderThan, keepLast)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// --- Audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (audit_id, ts, operation_type, agent_id, project_number,
			request_summary, response_status, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (audit_id) DO NOTHING`,
		rec.AuditID, rec.Timestamp, rec.OperationType, rec.AgentID, rec.ProjectNumber,
		rec.RequestSummary, rec.ResponseStatus, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryAudit(ctx context.Context, q AuditQuery) ([]*models.AuditRecord, error) {
	query := `SELECT audit_id, ts, operation_type, agent_id, project_number,
		request_summary, response_status, duration_ms
		FROM audit_records WHERE 1=1`
	args := []any{}
	if q.AgentID != "" {
		args = append(args, q.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if q.OperationType != "" {
		args = append(args, q.OperationType)
		query += fmt.Sprintf(" AND operation_type = $%d", len(args))
	}
	if q.ProjectNumber != nil {
		args = append(args, *q.ProjectNumber)
		query += fmt.Sprintf(" AND project_number = $%d", len(args))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		query += fmt.Sprintf(" AND ts < $%d", len(args))
	}
	query += " ORDER BY ts DESC"
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit: %w", err)
	}
	defer rows.Close()

	var records []*models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		if err := rows.Scan(&rec.AuditID, &rec.Timestamp, &rec.OperationType, &rec.AgentID,
			&rec.ProjectNumber, &rec.RequestSummary, &rec.ResponseStatus,
			&rec.DurationMs); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_records WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PruneCostEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cost_entries WHERE at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cost entries: %w", err)
	}
	return res.RowsAffected()
}
