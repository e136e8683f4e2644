package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/buildswarm/orchestrator/pkg/models"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const pgUniqueViolation = "23505"

// PostgresStore implements Store over a pooled database/sql connection.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-migrated connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- Workspaces ---

const workspaceCols = `id, max_concurrent_agents, daily_budget_usd, monthly_budget_usd,
	per_agent_cap_usd, allow_self_review, paused, pause_reason, created_at, updated_at`

func scanWorkspace(row interface{ Scan(...any) error }) (*models.Workspace, error) {
	var ws models.Workspace
	err := row.Scan(&ws.ID, &ws.MaxConcurrentAgents, &ws.DailyBudgetUSD, &ws.MonthlyBudgetUSD,
		&ws.PerAgentCapUSD, &ws.AllowSelfReview, &ws.Paused, &ws.PauseReason,
		&ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *PostgresStore) EnsureWorkspace(ctx context.Context, ws *models.Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, max_concurrent_agents, daily_budget_usd, monthly_budget_usd,
			per_agent_cap_usd, allow_self_review)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		ws.ID, ws.MaxConcurrentAgents, ws.DailyBudgetUSD, ws.MonthlyBudgetUSD,
		ws.PerAgentCapUSD, ws.AllowSelfReview)
	if err != nil {
		return fmt.Errorf("failed to ensure workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT `+workspaceCols+` FROM workspaces WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.New(orcherr.KindNotFound, "workspace %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	tag, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET max_concurrent_agents = $2, daily_budget_usd = $3, monthly_budget_usd = $4,
			per_agent_cap_usd = $5, allow_self_review = $6, updated_at = now()
		WHERE id = $1`,
		ws.ID, ws.MaxConcurrentAgents, ws.DailyBudgetUSD, ws.MonthlyBudgetUSD,
		ws.PerAgentCapUSD, ws.AllowSelfReview)
	if err != nil {
		return fmt.Errorf("failed to update workspace: %w", err)
	}
	return requireRow(tag, "workspace %s", ws.ID)
}

func (s *PostgresStore) SetWorkspacePaused(ctx context.Context, id string, paused bool, reason string) error {
	tag, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET paused = $2, pause_reason = $3, updated_at = now()
		WHERE id = $1`, id, paused, reason)
	if err != nil {
		return fmt.Errorf("failed to set workspace paused: %w", err)
	}
	return requireRow(tag, "workspace %s", id)
}

func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return orcherr.New(orcherr.KindNotFound, format+" not found", args...)
	}
	return nil
}

// --- Agents ---

const agentCols = `id, workspace_id, status, resume_status, current_project, current_phase,
	last_heartbeat_at, tasks_completed, error_count, last_error, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var a models.Agent
	var current sql.NullInt64
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Status, &a.ResumeStatus, &current,
		&a.CurrentPhase, &a.LastHeartbeatAt, &a.TasksCompleted, &a.ErrorCount,
		&a.LastError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if current.Valid {
		a.CurrentProject = &current.Int64
	}
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, workspace_id, status, last_heartbeat_at)
		VALUES ($1, $2, $3, $4)`,
		agent.ID, agent.WorkspaceID, agent.Status, agent.LastHeartbeatAt)
	if isUniqueViolation(err) {
		return orcherr.Wrap(orcherr.KindConflict, err, "agent %s already exists", agent.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.New(orcherr.KindNotFound, "agent %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, workspaceID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE workspace_id = $1 ORDER BY created_at, id`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) CountLiveAgents(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE workspace_id = $1 AND status <> 'stopped'`,
		workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	var current sql.NullInt64
	if agent.CurrentProject != nil {
		current = sql.NullInt64{Int64: *agent.CurrentProject, Valid: true}
	}
	tag, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET status = $2, resume_status = $3, current_project = $4, current_phase = $5,
			last_heartbeat_at = $6, tasks_completed = $7, error_count = $8,
			last_error = $9, updated_at = now()
		WHERE id = $1`,
		agent.ID, agent.Status, agent.ResumeStatus, current, agent.CurrentPhase,
		agent.LastHeartbeatAt, agent.TasksCompleted, agent.ErrorCount, agent.LastError)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return requireRow(tag, "agent %s", agent.ID)
}

func (s *PostgresStore) TouchAgentHeartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	return requireRow(tag, "agent %s", id)
}

// StaleAgents returns live, non-paused agents whose last heartbeat is older
// than cutoff. Paused agents do not heartbeat by design; stopped agents are
// terminal.
func (s *PostgresStore) StaleAgents(ctx context.Context, workspaceID string, cutoff time.Time) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentCols+` FROM agents
		WHERE workspace_id = $1
		  AND status NOT IN ('stopped', 'paused', 'unresponsive')
		  AND last_heartbeat_at < $2
		ORDER BY last_heartbeat_at`,
		workspaceID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Projects ---

const projectCols = `number, workspace_id, title, state, owner_agent_id, reviewer_agent_id,
	phase, category_tag, acceptance_criteria, review_iterations, failure_streak,
	release_count, pinned, terminal_reason, queued_at, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	var p models.Project
	var criteria []byte
	err := row.Scan(&p.Number, &p.WorkspaceID, &p.Title, &p.State, &p.OwnerAgentID,
		&p.ReviewerAgentID, &p.Phase, &p.CategoryTag, &criteria, &p.ReviewIterations,
		&p.FailureStreak, &p.ReleaseCount, &p.Pinned, &p.TerminalReason,
		&p.QueuedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &p.AcceptanceCriteria); err != nil {
			return nil, fmt.Errorf("failed to decode acceptance criteria: %w", err)
		}
	}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) (int64, error) {
	criteria, err := json.Marshal(p.AcceptanceCriteria)
	if err != nil {
		return 0, fmt.Errorf("failed to encode acceptance criteria: %w", err)
	}
	var number int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO projects (workspace_id, title, state, category_tag, acceptance_criteria,
			pinned, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING number`,
		p.WorkspaceID, p.Title, p.State, p.CategoryTag, criteria, p.Pinned, p.QueuedAt).
		Scan(&number)
	if err != nil {
		return 0, fmt.Errorf("failed to create project: %w", err)
	}
	p.Number = number
	return number, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, number int64) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE number = $1`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.New(orcherr.KindNotFound, "project %d not found", number)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, f ProjectFilter) ([]*models.Project, error) {
	query := `SELECT ` + projectCols + ` FROM projects WHERE 1=1`
	args := []any{}
	if f.WorkspaceID != "" {
		args = append(args, f.WorkspaceID)
		query += fmt.Sprintf(" AND workspace_id = $%d", len(args))
	}
	if f.State != "" {
		args = append(args, f.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	query += " ORDER BY number"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p *models.Project) error {
	criteria, err := json.Marshal(p.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("failed to encode acceptance criteria: %w", err)
	}
	tag, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET title = $2, state = $3, owner_agent_id = $4, reviewer_agent_id = $5,
			phase = $6, category_tag = $7, acceptance_criteria = $8,
			review_iterations = $9, failure_streak = $10, release_count = $11,
			pinned = $12, terminal_reason = $13, queued_at = $14, updated_at = now()
		WHERE number = $1`,
		p.Number, p.Title, p.State, p.OwnerAgentID, p.ReviewerAgentID,
		p.Phase, p.CategoryTag, criteria, p.ReviewIterations, p.FailureStreak,
		p.ReleaseCount, p.Pinned, p.TerminalReason, p.QueuedAt)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return requireRow(tag, "project %d", p.Number)
}

func (s *PostgresStore) QueueDepth(ctx context.Context, workspaceID string) (int, error) {
	return s.CountProjectsInStates(ctx, workspaceID, models.ProjectQueued, models.ProjectRework)
}

func (s *PostgresStore) CountProjectsInStates(ctx context.Context, workspaceID string, states ...models.ProjectState) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}
	args := []any{workspaceID}
	in := ""
	for i, st := range states {
		if i > 0 {
			in += ", "
		}
		args = append(args, st)
		in += fmt.Sprintf("$%d", len(args))
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE workspace_id = $1 AND state IN (`+in+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count projects: %w", err)
	}
	return n, nil
}
