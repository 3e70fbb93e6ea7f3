package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"budgetline/internal/db"
	"budgetline/internal/domain"
	"budgetline/internal/migrate"
	"budgetline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func TestUpdateCaseVersionGuard(t *testing.T) {
	r, ctx := newTestRepo(t)
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.EnsureUnite(ctx, tx, "daf", "DAF", now); err != nil {
		t.Fatalf("ensure unite: %v", err)
	}
	c := domain.SpendingCase{
		ID:           "case-1",
		Reference:    "DAF-2026-00001",
		Sequence:     1,
		Exercice:     2026,
		UniteID:      "daf",
		Objet:        "Travaux de voirie",
		Requester:    "op-1",
		CurrentStage: domain.StageCreation,
		Status:       domain.CaseDraft,
		Version:      1,
		CreatedAt:    now,
		LastUpdate:   now,
	}
	if err := r.InsertCaseTx(ctx, tx, c); err != nil {
		t.Fatalf("insert case: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// First writer wins and bumps the version.
	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	winner := c
	winner.Status = domain.CaseInProgress
	if err := r.UpdateCaseTx(ctx, tx, winner); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.Status != domain.CaseInProgress {
		t.Fatalf("after first update: version=%d status=%s", got.Version, got.Status)
	}

	// A snapshot loaded before the first write carries the stale version and
	// must lose.
	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale := c
	stale.Status = domain.CaseBlocked
	if err := r.UpdateCaseTx(ctx, tx, stale); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("stale update: want ErrConflict, got %v", err)
	}
	// Release the write lock before reading on another pooled connection.
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	got, err = r.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CaseInProgress {
		t.Fatalf("losing writer must not change the row: %s", got.Status)
	}
}
