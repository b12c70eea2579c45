package repo

import (
	"context"
	"database/sql"

	"faz/internal/domain"
)

const gateColumns = `id,project_id,gate_number,name,phase,phase_index,artifact_ids_json,status,notes,auto_approve_at,created_at,decided_at`

func scanGate(scan func(dest ...any) error) (domain.Gate, error) {
	var g domain.Gate
	var artifactIDs, notes, autoApprove, decidedAt sql.NullString
	err := scan(&g.ID, &g.ProjectID, &g.GateNumber, &g.Name, &g.Phase, &g.PhaseIndex,
		&artifactIDs, &g.Status, &notes, &autoApprove, &g.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if artifactIDs.Valid {
		g.ArtifactIDs = artifactIDs.String
	}
	if notes.Valid {
		g.Notes = &notes.String
	}
	if autoApprove.Valid {
		g.AutoApproveAt = &autoApprove.String
	}
	if decidedAt.Valid {
		g.DecidedAt = &decidedAt.String
	}
	return g, nil
}

func (r Repo) InsertGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gates(id,project_id,gate_number,name,phase,phase_index,artifact_ids_json,status,notes,auto_approve_at,created_at,decided_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, g.GateNumber, g.Name, g.Phase, g.PhaseIndex, nullable(g.ArtifactIDs),
		g.Status, nullableStringPtr(g.Notes), nullableStringPtr(g.AutoApproveAt), g.CreatedAt, nullableStringPtr(g.DecidedAt))
	return err
}

func (r Repo) GetGate(ctx context.Context, id string) (domain.Gate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE id=?`, id)
	return scanGate(row.Scan)
}

func (r Repo) GetGateTx(ctx context.Context, tx *sql.Tx, id string) (domain.Gate, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE id=?`, id)
	return scanGate(row.Scan)
}

// PendingGate returns the open checkpoint for a project, if any.
func (r Repo) PendingGate(ctx context.Context, projectID string) (domain.Gate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? AND status=? LIMIT 1`, projectID, domain.GatePending)
	return scanGate(row.Scan)
}

func (r Repo) PendingGateTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Gate, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? AND status=? LIMIT 1`, projectID, domain.GatePending)
	return scanGate(row.Scan)
}

// CountGates returns how many checkpoints a project has opened so far.
func (r Repo) CountGates(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM gates WHERE project_id=?`, projectID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r Repo) ListGates(ctx context.Context, projectID string) ([]domain.Gate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? ORDER BY gate_number ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gate
	for rows.Next() {
		g, err := scanGate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// ResolveGate records a decision on a still-pending gate. The status guard
// in the WHERE clause makes double decisions fail with ErrNotFound.
func (r Repo) ResolveGate(ctx context.Context, tx *sql.Tx, gateID, status string, notes *string, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE gates SET status=?, notes=COALESCE(?, notes), decided_at=? WHERE id=? AND status=?`,
		status, nullableStringPtr(notes), decidedAt, gateID, domain.GatePending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OverdueGates returns pending gates whose auto-approve deadline has passed.
func (r Repo) OverdueGates(ctx context.Context, now string) ([]domain.Gate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE status=? AND auto_approve_at IS NOT NULL AND auto_approve_at <= ?`,
		domain.GatePending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gate
	for rows.Next() {
		g, err := scanGate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
