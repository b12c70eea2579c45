package repo

import (
	"context"
	"database/sql"

	"faz/internal/domain"
)

const artifactColumns = `id,project_id,path,content,content_hash,run_id,version,parent_version,status,created_at`

func scanArtifact(scan func(dest ...any) error) (domain.Artifact, error) {
	var a domain.Artifact
	var runID sql.NullString
	var parent sql.NullInt64
	err := scan(&a.ID, &a.ProjectID, &a.Path, &a.Content, &a.ContentHash, &runID, &a.Version, &parent, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if runID.Valid {
		a.RunID = &runID.String
	}
	if parent.Valid {
		v := int(parent.Int64)
		a.ParentVersion = &v
	}
	return a, nil
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(id,project_id,path,content,content_hash,run_id,version,parent_version,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Path, a.Content, a.ContentHash, nullableStringPtr(a.RunID),
		a.Version, nullableIntPtr(a.ParentVersion), a.Status, a.CreatedAt)
	return err
}

// MaxVersion returns the highest stored version for a path, 0 when the path
// has never been written.
func (r Repo) MaxVersion(ctx context.Context, tx *sql.Tx, projectID, path string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM artifacts WHERE project_id=? AND path=?`, projectID, path)
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// CurrentArtifact returns the highest non-deleted version for a path.
func (r Repo) CurrentArtifact(ctx context.Context, projectID, path string) (domain.Artifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND path=? AND status != ? ORDER BY version DESC LIMIT 1`,
		projectID, path, domain.ArtifactDeleted)
	return scanArtifact(row.Scan)
}

// ListCurrentArtifacts returns the current version of every live path in a
// project.
func (r Repo) ListCurrentArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts a
WHERE project_id=? AND status != ?
AND version = (SELECT MAX(version) FROM artifacts b WHERE b.project_id=a.project_id AND b.path=a.path AND b.status != ?)
ORDER BY path ASC`, projectID, domain.ArtifactDeleted, domain.ArtifactDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// ListArtifactVersions returns all versions of a path, oldest first.
func (r Repo) ListArtifactVersions(ctx context.Context, projectID, path string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND path=? ORDER BY version ASC`, projectID, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// ListRunArtifacts returns the artifacts a run produced.
func (r Repo) ListRunArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE run_id=? ORDER BY path ASC, version ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// SetArtifactStatus flips the status of one stored version.
func (r Repo) SetArtifactStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectArtifacts(rows *sql.Rows) ([]domain.Artifact, error) {
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
