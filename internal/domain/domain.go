package domain

// Stage identifies one of the nine fixed steps of the spending pipeline.
type Stage string

const (
	StageCreation       Stage = "creation"
	StageNoteSEF        Stage = "note_sef"
	StageNoteAEF        Stage = "note_aef"
	StageImputation     Stage = "imputation"
	StagePassation      Stage = "passation_marche"
	StageEngagement     Stage = "engagement"
	StageLiquidation    Stage = "liquidation"
	StageOrdonnancement Stage = "ordonnancement"
	StageReglement      Stage = "reglement"
)

// StepStatus is the per-stage progress marker on a case.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepRejected   StepStatus = "rejected"
	StepDeferred   StepStatus = "deferred"
	StepSkipped    StepStatus = "skipped"
)

// CaseStatus is the overall lifecycle overlay on top of the current stage.
type CaseStatus string

const (
	CaseDraft      CaseStatus = "draft"
	CaseInProgress CaseStatus = "in_progress"
	CaseBlocked    CaseStatus = "blocked"
	CaseCompleted  CaseStatus = "completed"
	CaseCancelled  CaseStatus = "cancelled"
)

// Action is a workflow verb accepted by the engine.
type Action string

const (
	ActionValidate    Action = "validate"
	ActionDefer       Action = "defer"
	ActionReject      Action = "reject"
	ActionReturn      Action = "return"
	ActionComment     Action = "comment"
	ActionDelegate    Action = "delegate"
	ActionRequestInfo Action = "request_info"
	ActionCancel      Action = "cancel"
)

// Profile is a functional profile attached to an authenticated user.
type Profile string

const (
	ProfileAdmin       Profile = "admin"
	ProfileDG          Profile = "directeur_general"
	ProfileControleur  Profile = "controleur_budgetaire"
	ProfileOrdonnateur Profile = "ordonnateur"
	ProfileTresorerie  Profile = "tresorerie"
	ProfileAuditeur    Profile = "auditeur"
	ProfileOperateur   Profile = "operateur"
)

// Hierarchical validation roles referenced by stage configuration.
const (
	RoleDG          = "DG"
	RoleCB          = "CB"
	RoleOrdonnateur = "ORDONNATEUR"
	RoleTresorerie  = "TRESORERIE"
)

// Actor is the requesting user. Ownership of a case is not an actor
// attribute; any authorized actor may act regardless of who created it.
type Actor struct {
	ID      string  `json:"id"`
	Profile Profile `json:"profile"`
	Role    string  `json:"role,omitempty"`
	Level   int     `json:"level,omitempty"` // 1 agent .. 5 directeur général
}

// StepRecord is the status record for one stage of one case.
// At most one per (case, stage); populated lazily as stages are entered.
type StepRecord struct {
	Stage       Stage      `json:"stage"`
	Status      StepStatus `json:"status" enum:"pending,in_progress,completed,rejected,deferred,skipped"`
	EntityID    *string    `json:"entity_id,omitempty"`
	Amount      *int64     `json:"amount,omitempty"`
	ValidatorID *string    `json:"validator_id,omitempty"`
	ValidatedAt *string    `json:"validated_at,omitempty" format:"date-time"`
	Motif       *string    `json:"motif,omitempty"`
}

// HistoryEntry is one append-only line of a case timeline.
type HistoryEntry struct {
	ID      int64  `json:"id"`
	CaseID  string `json:"case_id"`
	Action  string `json:"action"`
	Stage   Stage  `json:"stage"`
	ActorID string `json:"actor_id"`
	Detail  string `json:"detail,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

// SpendingCase is the aggregate root tracked end-to-end through the pipeline.
// Version supports optimistic concurrency in the store.
type SpendingCase struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Sequence  int64  `json:"sequence"`
	Exercice  int    `json:"exercice"`
	UniteID   string `json:"unite_id"`
	Objet     string `json:"objet"`
	Requester string `json:"requester_id"`

	EstimatedAmount  *int64 `json:"estimated_amount,omitempty"`
	CommittedAmount  *int64 `json:"committed_amount,omitempty"`
	LiquidatedAmount *int64 `json:"liquidated_amount,omitempty"`
	OrderedAmount    *int64 `json:"ordered_amount,omitempty"`
	PaidAmount       *int64 `json:"paid_amount,omitempty"`

	CurrentStage Stage      `json:"current_stage"`
	Status       CaseStatus `json:"status" enum:"draft,in_progress,blocked,completed,cancelled"`
	InstanceID   string     `json:"instance_id,omitempty"`
	ResumeDate   *string    `json:"resume_date,omitempty" format:"date"`

	// Foreign ids to the entities created at each stage, if any.
	NoteID           *string `json:"note_id,omitempty"`
	ImputationID     *string `json:"imputation_id,omitempty"`
	MarcheID         *string `json:"marche_id,omitempty"`
	EngagementID     *string `json:"engagement_id,omitempty"`
	LiquidationID    *string `json:"liquidation_id,omitempty"`
	OrdonnancementID *string `json:"ordonnancement_id,omitempty"`
	ReglementID      *string `json:"reglement_id,omitempty"`

	Steps   []StepRecord   `json:"steps,omitempty"`
	History []HistoryEntry `json:"history,omitempty"`

	Version    int64  `json:"version"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUpdate string `json:"last_update" format:"date-time"`
}

// Step returns the step record for a stage, if one has been created.
func (c *SpendingCase) Step(s Stage) *StepRecord {
	for i := range c.Steps {
		if c.Steps[i].Stage == s {
			return &c.Steps[i]
		}
	}
	return nil
}

// Started reports whether a workflow instance exists for the case.
func (c *SpendingCase) Started() bool { return c.InstanceID != "" }

// Closed reports whether the case reached a terminal overall status.
func (c *SpendingCase) Closed() bool {
	return c.Status == CaseCompleted || c.Status == CaseCancelled
}

// Delegation records that an actor handed the current step of a case to
// another actor.
type Delegation struct {
	CaseID      string `json:"case_id"`
	FromActorID string `json:"from_actor_id"`
	ToActorID   string `json:"to_actor_id"`
	Stage       Stage  `json:"stage"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Unite is an organizational unit that owns spending cases.
type Unite struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UniteID    string `json:"unite_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// AuditEntry mirrors one audit_log row. Audit is best-effort logging; the
// business mutation remains the source of truth.
type AuditEntry struct {
	ID         int64  `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
	ActorID    string `json:"actor_id"`
	OldValue   string `json:"old_value,omitempty"`
	NewValue   string `json:"new_value,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"key_hash"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}
