package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

const claimCols = `project_number, agent_id, role, branch, pod_id, fence_token,
	acquired_at, lease_expires_at`

func scanClaim(row interface{ Scan(...any) error }) (*models.ClaimTicket, error) {
	var c models.ClaimTicket
	err := row.Scan(&c.ProjectNumber, &c.AgentID, &c.Role, &c.Branch, &c.PodID,
		&c.FenceToken, &c.AcquiredAt, &c.LeaseExpiresAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClaimNext atomically pops the queue head and grants the claim. Ordering:
// rework first, then pinned, then FIFO by queued_at with ties broken by
// number. A rework project whose original executor is idle is left for that
// executor; anyone may take it once the owner is busy, gone, or down.
// Returns (nil, nil, nil) when no project is eligible.
func (s *PostgresStore) ClaimNext(ctx context.Context, req ClaimRequest) (*models.ClaimTicket, *models.Project, error) {
	if req.Role != models.ClaimRoleExecutor {
		return nil, nil, orcherr.New(orcherr.KindInvariant, "ClaimNext grants executor claims only")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	p, err := scanProject(tx.QueryRowContext(ctx, `
		SELECT `+projectCols+` FROM projects
		WHERE workspace_id = $1
		  AND state IN ('queued', 'rework')
		  AND (state = 'queued'
		       OR owner_agent_id = ''
		       OR owner_agent_id = $2
		       OR NOT EXISTS (
		            SELECT 1 FROM agents a
		            WHERE a.id = projects.owner_agent_id AND a.status = 'idle'))
		ORDER BY (state = 'rework') DESC, pinned DESC, queued_at, number
		FOR UPDATE SKIP LOCKED
		LIMIT 1`,
		req.WorkspaceID, req.AgentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to select queue head: %w", err)
	}

	ticket, err := grantClaim(ctx, tx, p, req, models.ProjectClaimed)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	p.State = models.ProjectClaimed
	p.OwnerAgentID = req.AgentID
	p.Phase = ""
	return ticket, p, nil
}

// ClaimProject grants a claim on a specific project: executor claims
// require a claimable state, reviewer claims require in-review with no
// reviewer assigned yet.
func (s *PostgresStore) ClaimProject(ctx context.Context, number int64, req ClaimRequest) (*models.ClaimTicket, *models.Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	p, err := scanProject(tx.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE number = $1 FOR UPDATE`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, orcherr.New(orcherr.KindNotFound, "project %d not found", number)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock project: %w", err)
	}

	var nextState models.ProjectState
	switch req.Role {
	case models.ClaimRoleExecutor:
		if !p.State.Claimable() {
			return nil, nil, orcherr.New(orcherr.KindConflict,
				"project %d not claimable in state %s", number, p.State)
		}
		nextState = models.ProjectClaimed
	case models.ClaimRoleReviewer:
		if p.State != models.ProjectInReview {
			return nil, nil, orcherr.New(orcherr.KindConflict,
				"project %d not reviewable in state %s", number, p.State)
		}
		if p.ReviewerAgentID != "" && p.ReviewerAgentID != req.AgentID {
			return nil, nil, orcherr.New(orcherr.KindConflict,
				"project %d already has reviewer %s", number, p.ReviewerAgentID)
		}
		nextState = models.ProjectInReview
	default:
		return nil, nil, orcherr.New(orcherr.KindInvariant, "unknown claim role %q", req.Role)
	}

	ticket, err := grantClaim(ctx, tx, p, req, nextState)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	p.State = nextState
	if req.Role == models.ClaimRoleExecutor {
		p.OwnerAgentID = req.AgentID
		p.Phase = ""
	} else {
		p.ReviewerAgentID = req.AgentID
	}
	return ticket, p, nil
}

// grantClaim bumps the project fence, writes the assignment, and inserts
// the claim row. The partial unique indexes on claims back up the dispatch
// logic: a second live claim per project, per agent, or per branch fails
// with a conflict no matter how it was attempted.
func grantClaim(ctx context.Context, tx *sql.Tx, p *models.Project, req ClaimRequest, nextState models.ProjectState) (*models.ClaimTicket, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var fence int64
	var err error
	if req.Role == models.ClaimRoleExecutor {
		err = tx.QueryRowContext(ctx, `
			UPDATE projects
			SET state = $2, owner_agent_id = $3, phase = '', fence_seq = fence_seq + 1,
				updated_at = $4
			WHERE number = $1
			RETURNING fence_seq`,
			p.Number, nextState, req.AgentID, now).Scan(&fence)
	} else {
		err = tx.QueryRowContext(ctx, `
			UPDATE projects
			SET reviewer_agent_id = $2, fence_seq = fence_seq + 1, updated_at = $3
			WHERE number = $1
			RETURNING fence_seq`,
			p.Number, req.AgentID, now).Scan(&fence)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fence project: %w", err)
	}

	ticket := &models.ClaimTicket{
		ProjectNumber:  p.Number,
		AgentID:        req.AgentID,
		Role:           req.Role,
		Branch:         models.BranchName(p.Number),
		PodID:          req.PodID,
		FenceToken:     fence,
		AcquiredAt:     now,
		LeaseExpiresAt: now.Add(req.Lease),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO claims (project_number, agent_id, role, branch, pod_id, fence_token,
			acquired_at, lease_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ticket.ProjectNumber, ticket.AgentID, ticket.Role, ticket.Branch, ticket.PodID,
		ticket.FenceToken, ticket.AcquiredAt, ticket.LeaseExpiresAt)
	if isUniqueViolation(err) {
		return nil, orcherr.Wrap(orcherr.KindConflict, err,
			"claim collision on project %d for agent %s", p.Number, req.AgentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert claim: %w", err)
	}
	return ticket, nil
}

func (s *PostgresStore) ActiveClaimByAgent(ctx context.Context, agentID string) (*models.ClaimTicket, error) {
	c, err := scanClaim(s.db.QueryRowContext(ctx,
		`SELECT `+claimCols+` FROM claims WHERE agent_id = $1 AND released_at IS NULL`,
		agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.New(orcherr.KindNotFound, "agent %s holds no claim", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ActiveClaimByProject(ctx context.Context, number int64) (*models.ClaimTicket, error) {
	c, err := scanClaim(s.db.QueryRowContext(ctx,
		`SELECT `+claimCols+` FROM claims WHERE project_number = $1 AND released_at IS NULL`,
		number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.New(orcherr.KindNotFound, "project %d has no live claim", number)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return c, nil
}

// RefreshLease extends the live claim of the given agent. A heartbeat that
// lands after the claim was already released is a harmless no-op.
func (s *PostgresStore) RefreshLease(ctx context.Context, agentID string, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE claims SET lease_expires_at = $2 WHERE agent_id = $1 AND released_at IS NULL`,
		agentID, until)
	if err != nil {
		return fmt.Errorf("failed to refresh lease: %w", err)
	}
	return nil
}

// ReleaseClaim ends the live claim on a project and settles the project row
// in the same transaction. With a non-zero FenceToken the release applies
// only if the live claim still carries that token; a newer token means some
// other path released and re-granted first, and the caller gets a conflict
// with the current token.
func (s *PostgresStore) ReleaseClaim(ctx context.Context, rel Release) (*models.ClaimTicket, error) {
	now := rel.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin release transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ticket, err := scanClaim(tx.QueryRowContext(ctx,
		`SELECT `+claimCols+` FROM claims
		 WHERE project_number = $1 AND released_at IS NULL FOR UPDATE`,
		rel.ProjectNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.New(orcherr.KindNotFound, "project %d has no live claim", rel.ProjectNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock claim: %w", err)
	}
	if rel.FenceToken != 0 && ticket.FenceToken != rel.FenceToken {
		return nil, orcherr.Conflict(ticket.FenceToken,
			"stale fence %d releasing project %d", rel.FenceToken, rel.ProjectNumber)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE claims SET released_at = $2, release_reason = $3
		WHERE project_number = $1 AND released_at IS NULL`,
		rel.ProjectNumber, now, rel.Reason)
	if err != nil {
		return nil, fmt.Errorf("failed to release claim: %w", err)
	}

	p, err := scanProject(tx.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE number = $1 FOR UPDATE`, rel.ProjectNumber))
	if err != nil {
		return nil, fmt.Errorf("failed to lock project: %w", err)
	}

	state := p.State
	if rel.NextState != "" && rel.NextState != p.State {
		if !p.State.CanTransition(rel.NextState) {
			return nil, orcherr.New(orcherr.KindInvariant,
				"project %d: illegal transition %s -> %s on release", p.Number, p.State, rel.NextState)
		}
		state = rel.NextState
	}

	owner := p.OwnerAgentID
	if rel.ClearOwner {
		owner = ""
	}
	reviewer := p.ReviewerAgentID
	if rel.ClearReviewer {
		reviewer = ""
	}
	releases := p.ReleaseCount
	if rel.BumpReleaseCount {
		releases++
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projects
		SET state = $2, owner_agent_id = $3, reviewer_agent_id = $4, phase = '',
			release_count = $5, updated_at = $6
		WHERE number = $1`,
		p.Number, state, owner, reviewer, releases, now)
	if err != nil {
		return nil, fmt.Errorf("failed to settle project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}
	return ticket, nil
}

func (s *PostgresStore) ExpiredClaims(ctx context.Context, now time.Time) ([]*models.ClaimTicket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+claimCols+` FROM claims
		 WHERE released_at IS NULL AND lease_expires_at < $1
		 ORDER BY lease_expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired claims: %w", err)
	}
	defer rows.Close()

	var claims []*models.ClaimTicket
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func (s *PostgresStore) ClaimsByPod(ctx context.Context, podID string) ([]*models.ClaimTicket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+claimCols+` FROM claims
		 WHERE released_at IS NULL AND pod_id = $1
		 ORDER BY project_number`, podID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pod claims: %w", err)
	}
	defer rows.Close()

	var claims []*models.ClaimTicket
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// AdvanceProject applies a fence-guarded state transition on behalf of the
// claim holder. Stale tokens are rejected with the current token so the
// writer can observe that it lost the lease.
func (s *PostgresStore) AdvanceProject(ctx context.Context, number, fenceToken int64, to models.ProjectState, phase string) (*models.Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin advance transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	p, err := s.checkFence(ctx, tx, number, fenceToken)
	if err != nil {
		return nil, err
	}

	if to != p.State {
		if err := p.ValidateTransition(to); err != nil {
			return nil, orcherr.Wrap(orcherr.KindInvariant, err, "advance rejected")
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projects SET state = $2, phase = $3, updated_at = now() WHERE number = $1`,
		number, to, phase)
	if err != nil {
		return nil, fmt.Errorf("failed to advance project: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit advance: %w", err)
	}
	p.State = to
	p.Phase = phase
	return p, nil
}

// SetProjectPhase records claim-holder progress without a state change.
func (s *PostgresStore) SetProjectPhase(ctx context.Context, number, fenceToken int64, phase string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin phase transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := s.checkFence(ctx, tx, number, fenceToken); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE projects SET phase = $2, updated_at = now() WHERE number = $1`, number, phase)
	if err != nil {
		return fmt.Errorf("failed to set phase: %w", err)
	}
	return tx.Commit()
}

// checkFence locks the project row and verifies the caller's token against
// the live claim. No live claim or a token mismatch is a conflict carrying
// the project's current fence.
func (s *PostgresStore) checkFence(ctx context.Context, tx *sql.Tx, number, fenceToken int64) (*models.Project, error) {
	p, err := scanProject(tx.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE number = $1 FOR UPDATE`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.New(orcherr.KindNotFound, "project %d not found", number)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock project: %w", err)
	}

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT fence_token FROM claims WHERE project_number = $1 AND released_at IS NULL`,
		number).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		var fence int64
		if err := tx.QueryRowContext(ctx,
			`SELECT fence_seq FROM projects WHERE number = $1`, number).Scan(&fence); err != nil {
			return nil, fmt.Errorf("failed to read fence: %w", err)
		}
		return nil, orcherr.Conflict(fence, "project %d has no live claim", number)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read claim fence: %w", err)
	}
	if current != fenceToken {
		return nil, orcherr.Conflict(current,
			"stale fence %d for project %d", fenceToken, number)
	}
	return p, nil
}
