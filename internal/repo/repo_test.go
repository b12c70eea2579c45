package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"faz/internal/db"
	"faz/internal/domain"
	"faz/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	return Repo{DB: conn}
}

func seedProject(t *testing.T, r Repo, id string) {
	t.Helper()
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertProject(context.Background(), tx, domain.Project{
			ID:        id,
			Name:      "test",
			Phase:     domain.PhaseIntake,
			Status:    domain.ProjectActive,
			CreatedAt: "2026-01-02T03:00:00Z",
			UpdatedAt: "2026-01-02T03:00:00Z",
		})
	})
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func writeVersion(t *testing.T, r Repo, projectID, path, content string, status string) domain.Artifact {
	t.Helper()
	ctx := context.Background()
	var a domain.Artifact
	inTx(t, r, func(tx *sql.Tx) error {
		maxV, err := r.MaxVersion(ctx, tx, projectID, path)
		if err != nil {
			return err
		}
		a = domain.Artifact{
			ID:          fmt.Sprintf("%s-v%d", path, maxV+1),
			ProjectID:   projectID,
			Path:        path,
			Content:     content,
			ContentHash: fmt.Sprintf("hash-%s", content),
			Version:     maxV + 1,
			Status:      status,
			CreatedAt:   "2026-01-02T03:00:00Z",
		}
		if maxV > 0 {
			parent := maxV
			a.ParentVersion = &parent
		}
		return r.InsertArtifact(ctx, tx, a)
	})
	return a
}

func TestArtifactVersionsFormAChain(t *testing.T) {
	r := newTestRepo(t)
	seedProject(t, r, "p1")
	ctx := context.Background()

	writeVersion(t, r, "p1", "src/app.js", "v1", domain.ArtifactGenerated)
	writeVersion(t, r, "p1", "src/app.js", "v2", domain.ArtifactModified)
	writeVersion(t, r, "p1", "src/app.js", "v3", domain.ArtifactModified)

	versions, err := r.ListArtifactVersions(ctx, "p1", "src/app.js")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 3 {
		t.Fatalf("got %d versions, want 3", len(versions))
	}
	for i, a := range versions {
		if a.Version != i+1 {
			t.Fatalf("version %d out of order: got %d", i, a.Version)
		}
	}
	if versions[0].ParentVersion != nil {
		t.Fatal("first version should have no parent")
	}
	for _, a := range versions[1:] {
		if a.ParentVersion == nil || *a.ParentVersion != a.Version-1 {
			t.Fatalf("version %d: broken parent chain", a.Version)
		}
	}

	cur, err := r.CurrentArtifact(ctx, "p1", "src/app.js")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != 3 || cur.Content != "v3" {
		t.Fatalf("current: got v%d %q", cur.Version, cur.Content)
	}
}

func TestDuplicateVersionRejected(t *testing.T) {
	r := newTestRepo(t)
	seedProject(t, r, "p1")
	ctx := context.Background()
	writeVersion(t, r, "p1", "a.txt", "x", domain.ArtifactGenerated)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.InsertArtifact(ctx, tx, domain.Artifact{
		ID:          "dup",
		ProjectID:   "p1",
		Path:        "a.txt",
		Content:     "y",
		ContentHash: "h",
		Version:     1,
		Status:      domain.ArtifactGenerated,
		CreatedAt:   "2026-01-02T03:00:00Z",
	})
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestListCurrentArtifactsSkipsDeletedVersions(t *testing.T) {
	r := newTestRepo(t)
	seedProject(t, r, "p1")
	ctx := context.Background()

	writeVersion(t, r, "p1", "a.txt", "a1", domain.ArtifactGenerated)
	a2 := writeVersion(t, r, "p1", "a.txt", "a2", domain.ArtifactModified)
	writeVersion(t, r, "p1", "b.txt", "b1", domain.ArtifactGenerated)

	inTx(t, r, func(tx *sql.Tx) error {
		return r.SetArtifactStatus(ctx, tx, a2.ID, domain.ArtifactDeleted)
	})

	items, err := r.ListCurrentArtifacts(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]int{}
	for _, a := range items {
		got[a.Path] = a.Version
	}
	// a.txt falls back to v1 once v2 is deleted.
	want := map[string]int{"a.txt": 1, "b.txt": 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("current artifacts mismatch (-want +got):\n%s", diff)
	}
}

func TestCurrentArtifactNotFoundForUnknownPath(t *testing.T) {
	r := newTestRepo(t)
	seedProject(t, r, "p1")
	if _, err := r.CurrentArtifact(context.Background(), "p1", "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSingleProjectRequiresExactlyOne(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.SingleProject(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty db: got %v, want ErrNotFound", err)
	}
	seedProject(t, r, "p1")
	p, err := r.SingleProject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "p1" {
		t.Fatalf("got %q, want p1", p.ID)
	}
	seedProject(t, r, "p2")
	if _, err := r.SingleProject(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("two projects: got %v, want ErrNotFound", err)
	}
}

func TestOneRunningRunPerProject(t *testing.T) {
	r := newTestRepo(t)
	seedProject(t, r, "p1")
	ctx := context.Background()

	run := domain.Run{
		ID:        "r1",
		ProjectID: "p1",
		AgentKind: domain.AgentRouter,
		Phase:     domain.PhaseIntake,
		InputJSON: "{}",
		Status:    domain.RunRunning,
		StartedAt: "2026-01-02T03:00:00Z",
	}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertRun(ctx, tx, run)
	})

	second := run
	second.ID = "r2"
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertRun(ctx, tx, second); err == nil {
		t.Fatal("expected the partial unique index to reject a second running run")
	}
}

func TestEventsAfterCursorPaging(t *testing.T) {
	r := newTestRepo(t)
	seedProject(t, r, "p1")
	ctx := context.Background()

	inTx(t, r, func(tx *sql.Tx) error {
		for i := 0; i < 5; i++ {
			_, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,actor_id,payload_json)
VALUES (?,?,?,?,?,?)`, "2026-01-02T03:00:00Z", "run_started", "p1", "run", "tester", "{}")
			if err != nil {
				return err
			}
		}
		return nil
	})

	first, err := r.EventsAfter(ctx, 3, 0, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 {
		t.Fatalf("got %d events, want 3", len(first))
	}
	rest, err := r.EventsAfter(ctx, 10, first[len(first)-1].ID, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("got %d events, want 2", len(rest))
	}
	if rest[0].ID <= first[len(first)-1].ID {
		t.Fatal("cursor page overlaps")
	}

	latest, err := r.LatestEventID(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if latest != rest[len(rest)-1].ID {
		t.Fatalf("latest id %d, want %d", latest, rest[len(rest)-1].ID)
	}
}
