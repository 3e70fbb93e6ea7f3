package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"budgetline/internal/config"
	"budgetline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports an optimistic-concurrency failure: the case row
	// changed since it was loaded. Callers re-load and re-evaluate.
	ErrConflict = errors.New("version conflict")
)

// --- unites ---

func (r Repo) InsertUnite(ctx context.Context, u domain.Unite) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO unites(id,name,created_at) VALUES (?,?,?)`,
		u.ID, u.Name, u.CreatedAt)
	return err
}

func (r Repo) EnsureUnite(ctx context.Context, tx *sql.Tx, uniteID, name, now string) error {
	if name == "" {
		name = uniteID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO unites(id, name, created_at) VALUES (?,?,?)`, uniteID, name, now)
	return err
}

func (r Repo) GetUnite(ctx context.Context, id string) (domain.Unite, error) {
	var u domain.Unite
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM unites WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) SingleUnite(ctx context.Context) (domain.Unite, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM unites`)
	if err != nil {
		return domain.Unite{}, err
	}
	defer rows.Close()
	var unites []domain.Unite
	for rows.Next() {
		var u domain.Unite
		if err := rows.Scan(&u.ID, &u.Name, &u.CreatedAt); err != nil {
			return domain.Unite{}, err
		}
		unites = append(unites, u)
	}
	if len(unites) == 0 {
		return domain.Unite{}, ErrNotFound
	}
	if len(unites) > 1 {
		return domain.Unite{}, fmt.Errorf("multiple unites exist; specify --unite")
	}
	return unites[0], nil
}

// --- unite configs ---

func (r Repo) UpsertUniteConfig(ctx context.Context, uniteID string, cfg *config.Config) error {
	return upsertUniteConfig(ctx, r.DB, nil, uniteID, cfg)
}

func (r Repo) UpsertUniteConfigTx(ctx context.Context, tx *sql.Tx, uniteID string, cfg *config.Config) error {
	return upsertUniteConfig(ctx, nil, tx, uniteID, cfg)
}

func upsertUniteConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, uniteID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Unite.ID = uniteID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO unite_configs(unite_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(unite_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, uniteID, string(payload), now, now)
	return err
}

func (r Repo) GetUniteConfig(ctx context.Context, uniteID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM unite_configs WHERE unite_id=?`, uniteID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Unite.ID == "" {
		cfg.Unite.ID = uniteID
	}
	return &cfg, cfg.Validate()
}

// --- cases ---

// NextSequence allocates the next per-unit, per-exercice sequence number.
func (r Repo) NextSequence(ctx context.Context, tx *sql.Tx, uniteID string, exercice int) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO case_sequences(unite_id,exercice,next_seq) VALUES (?,?,1)
ON CONFLICT(unite_id,exercice) DO UPDATE SET next_seq=next_seq+1`, uniteID, exercice); err != nil {
		return 0, err
	}
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT next_seq FROM case_sequences WHERE unite_id=? AND exercice=?`, uniteID, exercice).Scan(&seq)
	return seq, err
}

const caseColumns = `id,reference,seq,exercice,unite_id,objet,requester_id,
estimated_amount,committed_amount,liquidated_amount,ordered_amount,paid_amount,
current_stage,status,instance_id,resume_date,
note_id,imputation_id,marche_id,engagement_id,liquidation_id,ordonnancement_id,reglement_id,
version,created_at,last_update`

func (r Repo) InsertCaseTx(ctx context.Context, tx *sql.Tx, c domain.SpendingCase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Reference, c.Sequence, c.Exercice, c.UniteID, c.Objet, c.Requester,
		nullableInt64Ptr(c.EstimatedAmount), nullableInt64Ptr(c.CommittedAmount), nullableInt64Ptr(c.LiquidatedAmount),
		nullableInt64Ptr(c.OrderedAmount), nullableInt64Ptr(c.PaidAmount),
		string(c.CurrentStage), string(c.Status), nullable(c.InstanceID), nullableStrPtr(c.ResumeDate),
		nullableStrPtr(c.NoteID), nullableStrPtr(c.ImputationID), nullableStrPtr(c.MarcheID),
		nullableStrPtr(c.EngagementID), nullableStrPtr(c.LiquidationID), nullableStrPtr(c.OrdonnancementID),
		nullableStrPtr(c.ReglementID), c.Version, c.CreatedAt, c.LastUpdate)
	return err
}

func scanCase(scan func(dest ...any) error) (domain.SpendingCase, error) {
	var c domain.SpendingCase
	var (
		estimated, committed, liquidated, ordered, paid     sql.NullInt64
		instance, resume                                    sql.NullString
		noteID, impID, marcheID, engID, liqID, ordID, regID sql.NullString
		currentStage, status                                string
	)
	err := scan(&c.ID, &c.Reference, &c.Sequence, &c.Exercice, &c.UniteID, &c.Objet, &c.Requester,
		&estimated, &committed, &liquidated, &ordered, &paid,
		&currentStage, &status, &instance, &resume,
		&noteID, &impID, &marcheID, &engID, &liqID, &ordID, &regID,
		&c.Version, &c.CreatedAt, &c.LastUpdate)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.CurrentStage = domain.Stage(currentStage)
	c.Status = domain.CaseStatus(status)
	c.EstimatedAmount = int64Ptr(estimated)
	c.CommittedAmount = int64Ptr(committed)
	c.LiquidatedAmount = int64Ptr(liquidated)
	c.OrderedAmount = int64Ptr(ordered)
	c.PaidAmount = int64Ptr(paid)
	if instance.Valid {
		c.InstanceID = instance.String
	}
	c.ResumeDate = strPtr(resume)
	c.NoteID = strPtr(noteID)
	c.ImputationID = strPtr(impID)
	c.MarcheID = strPtr(marcheID)
	c.EngagementID = strPtr(engID)
	c.LiquidationID = strPtr(liqID)
	c.OrdonnancementID = strPtr(ordID)
	c.ReglementID = strPtr(regID)
	return c, nil
}

// GetCase loads the aggregate: case row, step records, history.
func (r Repo) GetCase(ctx context.Context, id string) (domain.SpendingCase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	c, err := scanCase(row.Scan)
	if err != nil {
		return c, err
	}
	c.Steps, err = r.listSteps(ctx, id)
	if err != nil {
		return c, err
	}
	c.History, err = r.ListHistory(ctx, id)
	return c, err
}

// UpdateCaseTx writes the case row back, guarded by the version stamp it was
// loaded with. Zero rows affected means another writer won; the caller gets
// ErrConflict and must re-load.
func (r Repo) UpdateCaseTx(ctx context.Context, tx *sql.Tx, c domain.SpendingCase) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET
estimated_amount=?, committed_amount=?, liquidated_amount=?, ordered_amount=?, paid_amount=?,
current_stage=?, status=?, instance_id=?, resume_date=?,
note_id=?, imputation_id=?, marche_id=?, engagement_id=?, liquidation_id=?, ordonnancement_id=?, reglement_id=?,
version=version+1, last_update=?
WHERE id=? AND version=?`,
		nullableInt64Ptr(c.EstimatedAmount), nullableInt64Ptr(c.CommittedAmount), nullableInt64Ptr(c.LiquidatedAmount),
		nullableInt64Ptr(c.OrderedAmount), nullableInt64Ptr(c.PaidAmount),
		string(c.CurrentStage), string(c.Status), nullable(c.InstanceID), nullableStrPtr(c.ResumeDate),
		nullableStrPtr(c.NoteID), nullableStrPtr(c.ImputationID), nullableStrPtr(c.MarcheID),
		nullableStrPtr(c.EngagementID), nullableStrPtr(c.LiquidationID), nullableStrPtr(c.OrdonnancementID),
		nullableStrPtr(c.ReglementID), c.LastUpdate, c.ID, c.Version)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) listSteps(ctx context.Context, caseID string) ([]domain.StepRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage,status,entity_id,amount,validator_id,validated_at,motif FROM case_steps WHERE case_id=?`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.StepRecord
	for rows.Next() {
		var s domain.StepRecord
		var stageStr, statusStr string
		var entityID, validatorID, validatedAt, motif sql.NullString
		var amount sql.NullInt64
		if err := rows.Scan(&stageStr, &statusStr, &entityID, &amount, &validatorID, &validatedAt, &motif); err != nil {
			return nil, err
		}
		s.Stage = domain.Stage(stageStr)
		s.Status = domain.StepStatus(statusStr)
		s.EntityID = strPtr(entityID)
		s.Amount = int64Ptr(amount)
		s.ValidatorID = strPtr(validatorID)
		s.ValidatedAt = strPtr(validatedAt)
		s.Motif = strPtr(motif)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// UpsertStepTx writes one step record; at most one exists per (case, stage).
func (r Repo) UpsertStepTx(ctx context.Context, tx *sql.Tx, caseID string, s domain.StepRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO case_steps(case_id,stage,status,entity_id,amount,validator_id,validated_at,motif)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(case_id,stage) DO UPDATE SET status=excluded.status, entity_id=excluded.entity_id,
amount=excluded.amount, validator_id=excluded.validator_id, validated_at=excluded.validated_at, motif=excluded.motif`,
		caseID, string(s.Stage), string(s.Status), nullableStrPtr(s.EntityID), nullableInt64Ptr(s.Amount),
		nullableStrPtr(s.ValidatorID), nullableStrPtr(s.ValidatedAt), nullableStrPtr(s.Motif))
	return err
}

// AppendHistoryTx extends the append-only timeline. History rows are never
// updated or deleted.
func (r Repo) AppendHistoryTx(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO case_history(case_id,action,stage,actor_id,detail,ts) VALUES (?,?,?,?,?,?)`,
		h.CaseID, h.Action, string(h.Stage), h.ActorID, nullable(h.Detail), h.TS)
	return err
}

func (r Repo) ListHistory(ctx context.Context, caseID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,action,stage,actor_id,COALESCE(detail,''),ts FROM case_history WHERE case_id=? ORDER BY id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var stageStr string
		if err := rows.Scan(&h.ID, &h.CaseID, &h.Action, &stageStr, &h.ActorID, &h.Detail, &h.TS); err != nil {
			return nil, err
		}
		h.Stage = domain.Stage(stageStr)
		res = append(res, h)
	}
	return res, rows.Err()
}

// ListCases returns cases for a unit, newest first, with keyset pagination.
func (r Repo) ListCases(ctx context.Context, uniteID string, limit int, cursorCreatedAt, cursorID string) ([]domain.SpendingCase, error) {
	clauses := []string{"unite_id=?"}
	args := []any{uniteID}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SpendingCase
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountCasesByStage feeds stage badges on dashboards. Reads here tolerate
// bounded staleness; they never join the write path.
func (r Repo) CountCasesByStage(ctx context.Context, uniteID string) (map[string]int, error) {
	return r.countCasesBy(ctx, "current_stage", uniteID)
}

func (r Repo) CountCasesByStatus(ctx context.Context, uniteID string) (map[string]int, error) {
	return r.countCasesBy(ctx, "status", uniteID)
}

func (r Repo) countCasesBy(ctx context.Context, column, uniteID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+column+`, count(*) FROM cases WHERE unite_id=? GROUP BY `+column, uniteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		res[key] = count
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, uniteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if uniteID != "" {
		clauses = append(clauses, "unite_id=?")
		args = append(args, uniteID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,unite_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, uniteID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if uniteID != "" {
		clauses = append(clauses, "unite_id=?")
		args = append(args, uniteID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,unite_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var uniteID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &uniteID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if uniteID.Valid {
			e.UniteID = uniteID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a unit.
func (r Repo) LatestEventID(ctx context.Context, uniteID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE unite_id=?`, uniteID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- audit ---

func (r Repo) ListAudit(ctx context.Context, limit int, entityType, entityID string) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if entityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, entityType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,entity_type,entity_id,action,actor_id,COALESCE(old_value,''),COALESCE(new_value,''),ts FROM audit_log %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		if err := rows.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Action, &a.ActorID, &a.OldValue, &a.NewValue, &a.TS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
