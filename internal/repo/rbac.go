package repo

import (
	"context"
	"database/sql"

	"budgetline/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// UpsertActor assigns the functional profile, hierarchical role and level of
// an actor. The profile→role expansion itself stays in configuration; this
// table only records who holds what.
func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(id, profile, role, level, created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET profile=excluded.profile, role=excluded.role, level=excluded.level`,
		a.ID, string(a.Profile), nullable(a.Role), a.Level, now)
	return err
}

func (r Repo) GetActor(ctx context.Context, actorID string) (domain.Actor, error) {
	var a domain.Actor
	var profile string
	var role sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, profile, role, level FROM actors WHERE id=?`, actorID).
		Scan(&a.ID, &profile, &role, &a.Level)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Profile = domain.Profile(profile)
	if role.Valid {
		a.Role = role.String
	}
	return a, nil
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, profile, role, level FROM actors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		var profile string
		var role sql.NullString
		if err := rows.Scan(&a.ID, &profile, &role, &a.Level); err != nil {
			return nil, err
		}
		a.Profile = domain.Profile(profile)
		if role.Valid {
			a.Role = role.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- delegations ---

func (r Repo) InsertDelegationTx(ctx context.Context, tx *sql.Tx, d domain.Delegation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO delegations(case_id, from_actor_id, to_actor_id, stage, created_at) VALUES (?,?,?,?,?)
ON CONFLICT(case_id, stage, to_actor_id) DO UPDATE SET from_actor_id=excluded.from_actor_id, created_at=excluded.created_at`,
		d.CaseID, d.FromActorID, d.ToActorID, string(d.Stage), d.CreatedAt)
	return err
}

func (r Repo) ListDelegations(ctx context.Context, caseID string) ([]domain.Delegation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT case_id, from_actor_id, to_actor_id, stage, created_at FROM delegations WHERE case_id=? ORDER BY created_at`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delegation
	for rows.Next() {
		var d domain.Delegation
		var stageStr string
		if err := rows.Scan(&d.CaseID, &d.FromActorID, &d.ToActorID, &stageStr, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Stage = domain.Stage(stageStr)
		res = append(res, d)
	}
	return res, rows.Err()
}
