package repo

import (
	"context"
	"database/sql"

	"faz/internal/domain"
)

const runColumns = `id,project_id,agent_kind,phase,phase_index,input_json,status,output_json,summary,tokens_in,tokens_out,cost_usd,duration_ms,error,started_at,ended_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var output, summary, errMsg, endedAt sql.NullString
	err := scan(&run.ID, &run.ProjectID, &run.AgentKind, &run.Phase, &run.PhaseIndex, &run.InputJSON,
		&run.Status, &output, &summary, &run.TokensIn, &run.TokensOut, &run.CostUSD, &run.DurationMS,
		&errMsg, &run.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if output.Valid {
		run.OutputJSON = &output.String
	}
	if summary.Valid {
		run.Summary = &summary.String
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.String
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,project_id,agent_kind,phase,phase_index,input_json,status,output_json,summary,tokens_in,tokens_out,cost_usd,duration_ms,error,started_at,ended_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.AgentKind, run.Phase, run.PhaseIndex, run.InputJSON, run.Status,
		nullableStringPtr(run.OutputJSON), nullableStringPtr(run.Summary),
		run.TokensIn, run.TokensOut, run.CostUSD, run.DurationMS,
		nullableStringPtr(run.Error), run.StartedAt, nullableStringPtr(run.EndedAt))
	return err
}

// FinishRun records the terminal outcome of a run. Completed and failed runs
// are immutable afterwards; callers never update a finished row.
func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, output_json=?, summary=?, tokens_in=?, tokens_out=?, cost_usd=?, duration_ms=?, error=?, ended_at=? WHERE id=? AND status=?`,
		run.Status, nullableStringPtr(run.OutputJSON), nullableStringPtr(run.Summary),
		run.TokensIn, run.TokensOut, run.CostUSD, run.DurationMS,
		nullableStringPtr(run.Error), nullableStringPtr(run.EndedAt), run.ID, domain.RunRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// RunningRun returns the in-flight run for a project, if any.
func (r Repo) RunningRun(ctx context.Context, projectID string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id=? AND status=? LIMIT 1`, projectID, domain.RunRunning)
	return scanRun(row.Scan)
}

func (r Repo) RunningRunTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id=? AND status=? LIMIT 1`, projectID, domain.RunRunning)
	return scanRun(row.Scan)
}

// AllRunningRuns lists in-flight runs across projects, used for restart
// recovery.
func (r Repo) AllRunningRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status=? ORDER BY started_at ASC`, domain.RunRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

type RunFilters struct {
	ProjectID string
	Phase     string
	Status    string
	Limit     int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + whereClause(clauses) + ` ORDER BY started_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// LatestRunForPhase returns the most recent run of a phase step, any status.
func (r Repo) LatestRunForPhase(ctx context.Context, projectID string, phase domain.Phase, phaseIndex int) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id=? AND phase=? AND phase_index=? ORDER BY started_at DESC, id DESC LIMIT 1`,
		projectID, phase, phaseIndex)
	return scanRun(row.Scan)
}

// LatestCompletedRun returns the most recent completed run for a project.
func (r Repo) LatestCompletedRun(ctx context.Context, projectID string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id=? AND status=? ORDER BY started_at DESC, id DESC LIMIT 1`,
		projectID, domain.RunCompleted)
	return scanRun(row.Scan)
}

func collectRuns(rows *sql.Rows) ([]domain.Run, error) {
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
