package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"budgetline/internal/audit"
	"budgetline/internal/config"
	"budgetline/internal/domain"
	"budgetline/internal/events"
	"budgetline/internal/perm"
	"budgetline/internal/repo"
	"budgetline/internal/rules"
	"budgetline/internal/stage"
)

// maxAdvanceRetries bounds the transparent retry on optimistic-concurrency
// conflicts. Conflicts normally resolve on the first retry.
const maxAdvanceRetries = 3

// Engine applies workflow mutations to spending cases. Every call is one
// logical transaction: the second of two concurrent calls on the same case
// re-evaluates its preconditions against the committed state of the first.
// The engine reads no ambient session state; the acting user is always an
// explicit parameter.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Audit  audit.Sink
	Config *config.Config
	Perms  *perm.Matrix
	Rules  *rules.Set
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Audit:  audit.SQLSink{DB: db},
		Config: cfg,
		Perms:  perm.New(cfg),
		Rules:  rules.Default(cfg.Thresholds.PassationMarche),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string { return e.now().UTC().Format(time.RFC3339) }

// holdsRole reports whether the actor carries a hierarchical role, either
// explicitly or through profile expansion. Admin holds every role.
func (e Engine) holdsRole(actor domain.Actor, role string) bool {
	if actor.Profile == domain.ProfileAdmin {
		return true
	}
	if actor.Role == role {
		return true
	}
	for _, r := range e.Perms.ExpandRoles(actor.Profile) {
		if r == role {
			return true
		}
	}
	return false
}

// CaseCreateOptions are parameters for creating a spending case.
type CaseCreateOptions struct {
	ID              string
	UniteID         string
	Exercice        int
	Objet           string
	RequesterID     string
	EstimatedAmount *int64
}

// CreateCase registers a new dossier in draft. The workflow instance is not
// started yet; Start does that.
func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.SpendingCase, error) {
	if e.Config == nil {
		return domain.SpendingCase{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.Objet) == "" {
		return domain.SpendingCase{}, errors.New("objet is required")
	}
	if opts.RequesterID == "" {
		return domain.SpendingCase{}, errors.New("requester is required")
	}
	if opts.UniteID == "" {
		opts.UniteID = e.Config.Unite.ID
	}
	if opts.Exercice == 0 {
		opts.Exercice = e.Config.Exercice
	}
	if opts.Exercice == 0 {
		opts.Exercice = e.now().UTC().Year()
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.stamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SpendingCase{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureUnite(ctx, tx, opts.UniteID, e.Config.Unite.Name, now); err != nil {
		return domain.SpendingCase{}, err
	}
	seq, err := e.Repo.NextSequence(ctx, tx, opts.UniteID, opts.Exercice)
	if err != nil {
		return domain.SpendingCase{}, err
	}
	c := domain.SpendingCase{
		ID:              id,
		Reference:       fmt.Sprintf("%s-%d-%05d", strings.ToUpper(opts.UniteID), opts.Exercice, seq),
		Sequence:        seq,
		Exercice:        opts.Exercice,
		UniteID:         opts.UniteID,
		Objet:           opts.Objet,
		Requester:       opts.RequesterID,
		EstimatedAmount: opts.EstimatedAmount,
		CurrentStage:    stage.First(),
		Status:          domain.CaseDraft,
		Version:         1,
		CreatedAt:       now,
		LastUpdate:      now,
	}
	if err := e.Repo.InsertCaseTx(ctx, tx, c); err != nil {
		return domain.SpendingCase{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "case.created", c.UniteID, "case", c.ID, opts.RequesterID, events.EventPayload{
		"reference": c.Reference,
		"status":    string(c.Status),
	}); err != nil {
		return domain.SpendingCase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SpendingCase{}, err
	}
	audit.BestEffort(ctx, e.Audit, "case", c.ID, "create", opts.RequesterID, "", snapshot(c))
	return c, nil
}

// Start opens the workflow instance for a case. Calling it twice fails with
// AlreadyStarted; it never creates a second timeline.
func (e Engine) Start(ctx context.Context, caseID string, actor domain.Actor) (domain.SpendingCase, error) {
	var out domain.SpendingCase
	err := e.withRetry(func() error {
		c, err := e.loadCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Started() {
			return refuse(CodeAlreadyStarted, "workflow already started for case %s", caseID)
		}
		if c.Closed() {
			return refuse(CodeInvalidTransition, "case %s is %s", caseID, c.Status)
		}
		now := e.stamp()
		oldStage, oldStatus := c.CurrentStage, c.Status
		c.InstanceID = uuid.New().String()
		c.CurrentStage = domain.StageNoteSEF
		c.Status = domain.CaseDraft
		c.LastUpdate = now
		setStep(&c, domain.StepRecord{Stage: domain.StageCreation, Status: domain.StepCompleted, ValidatorID: optional(actor.ID), ValidatedAt: optional(now)})
		setStep(&c, domain.StepRecord{Stage: domain.StageNoteSEF, Status: domain.StepInProgress})
		hist := domain.HistoryEntry{CaseID: c.ID, Action: "start", Stage: domain.StageNoteSEF, ActorID: actor.ID, TS: now}

		if err := e.commitCase(ctx, &c, []domain.Stage{domain.StageCreation, domain.StageNoteSEF}, hist, actor.ID, oldStage, oldStatus); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// StatusResult is the side-effect-free snapshot of a case's workflow state.
// Exists is false when no workflow instance has been started; callers must
// check it before reading the rest.
type StatusResult struct {
	Exists           bool                  `json:"exists"`
	CaseID           string                `json:"case_id"`
	CurrentStage     domain.Stage          `json:"current_stage,omitempty"`
	Status           domain.CaseStatus     `json:"status,omitempty"`
	WorkflowComplete bool                  `json:"workflow_complete"`
	AvailableActions []domain.Action       `json:"available_actions,omitempty"`
	Steps            []domain.StepRecord   `json:"steps,omitempty"`
	History          []domain.HistoryEntry `json:"history,omitempty"`
}

// Status reports the current workflow state and the actions the given actor
// could attempt right now.
func (e Engine) Status(ctx context.Context, caseID string, actor domain.Actor) (StatusResult, error) {
	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return StatusResult{}, err
	}
	if !c.Started() {
		return StatusResult{Exists: false, CaseID: c.ID}, nil
	}
	return StatusResult{
		Exists:           true,
		CaseID:           c.ID,
		CurrentStage:     c.CurrentStage,
		Status:           c.Status,
		WorkflowComplete: c.Status == domain.CaseCompleted,
		AvailableActions: e.AvailableActions(&c, actor),
		Steps:            c.Steps,
		History:          c.History,
	}, nil
}

// AvailableActions computes the workflow verbs the actor could attempt on the
// case in its current state. A closed case only offers its read-only history.
func (e Engine) AvailableActions(c *domain.SpendingCase, actor domain.Actor) []domain.Action {
	if !c.Started() || c.Closed() {
		return nil
	}
	deferred := false
	if step := c.Step(c.CurrentStage); step != nil && step.Status == domain.StepDeferred {
		deferred = true
	}
	canAct := e.Perms.CanUserAct(actor, c.CurrentStage)
	var out []domain.Action
	if canAct && !deferred {
		out = append(out, domain.ActionValidate)
	}
	if canAct && c.Status != domain.CaseBlocked {
		out = append(out, domain.ActionDefer, domain.ActionReject)
	}
	if canAct && !deferred && c.CurrentStage != domain.StageNoteSEF {
		out = append(out, domain.ActionReturn)
	}
	if canAct {
		out = append(out, domain.ActionDelegate)
	}
	for _, a := range []domain.Action{domain.ActionComment, domain.ActionRequestInfo, domain.ActionCancel} {
		if e.Perms.IsAuthorized(actor, "dossier", a) {
			out = append(out, a)
		}
	}
	return out
}

// AdvanceOptions are the parameters of one workflow action.
type AdvanceOptions struct {
	CaseID     string
	Action     domain.Action
	Actor      domain.Actor
	Motif      string
	ResumeDate string
	DelegateTo string
	// EntityID and Amount attach the stage's produced entity and monetary
	// outcome when validating, e.g. the engagement id and committed amount.
	EntityID string
	Amount   *int64
}

// AdvanceResult reports the outcome of a successful action.
type AdvanceResult struct {
	Case             domain.SpendingCase `json:"case"`
	NewStage         domain.Stage        `json:"new_stage"`
	WorkflowComplete bool                `json:"workflow_complete"`
}

// Advance applies one workflow action to a case. Preconditions are checked in
// a fixed order and the first failure wins; refused transitions come back as
// typed engine errors carrying a stable reason code. Optimistic-concurrency
// conflicts are retried transparently before surfacing.
func (e Engine) Advance(ctx context.Context, opts AdvanceOptions) (AdvanceResult, error) {
	switch opts.Action {
	case domain.ActionValidate, domain.ActionDefer, domain.ActionReject, domain.ActionReturn,
		domain.ActionComment, domain.ActionDelegate, domain.ActionRequestInfo, domain.ActionCancel:
	default:
		return AdvanceResult{}, fmt.Errorf("unknown action %q", opts.Action)
	}
	var out AdvanceResult
	err := e.withRetry(func() error {
		r, err := e.advanceOnce(ctx, opts)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (e Engine) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAdvanceRetries; attempt++ {
		err = fn()
		if !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}
	return refuse(CodeConcurrencyConflict, "case update kept conflicting after %d attempts", maxAdvanceRetries)
}

func (e Engine) advanceOnce(ctx context.Context, opts AdvanceOptions) (AdvanceResult, error) {
	c, err := e.loadCase(ctx, opts.CaseID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if !c.Started() {
		return AdvanceResult{}, refuse(CodeNotStarted, "workflow not started for case %s", opts.CaseID)
	}
	if c.Closed() {
		return AdvanceResult{}, refuse(CodeInvalidTransition, "case %s is %s", opts.CaseID, c.Status)
	}

	now := e.stamp()
	oldStage, oldStatus := c.CurrentStage, c.Status
	cur := c.CurrentStage
	hist := domain.HistoryEntry{CaseID: c.ID, Stage: cur, ActorID: opts.Actor.ID, TS: now}
	var changed []domain.Stage
	complete := false

	switch opts.Action {
	case domain.ActionValidate:
		_, done, ch, err := e.applyValidate(&c, opts, now)
		if err != nil {
			return AdvanceResult{}, err
		}
		changed, complete = ch, done
		hist.Action = "valide"
		hist.Detail = opts.Motif

	case domain.ActionDefer:
		if strings.TrimSpace(opts.Motif) == "" {
			return AdvanceResult{}, refuse(CodeMissingReason, "defer requires a motif")
		}
		if !e.Perms.CanUserAct(opts.Actor, cur) {
			return AdvanceResult{}, refuse(CodeUnauthorized, "profile %s cannot act at stage %s", opts.Actor.Profile, cur)
		}
		if c.Status == domain.CaseBlocked {
			return AdvanceResult{}, refuse(CodeInvalidTransition, "case %s is already blocked", c.ID)
		}
		step := stepOrNew(&c, cur)
		step.Status = domain.StepDeferred
		step.Motif = optional(opts.Motif)
		setStep(&c, *step)
		c.Status = domain.CaseBlocked
		c.ResumeDate = optional(opts.ResumeDate)
		changed = []domain.Stage{cur}
		hist.Action = "differe"
		hist.Detail = opts.Motif

	case domain.ActionReject:
		if strings.TrimSpace(opts.Motif) == "" {
			return AdvanceResult{}, refuse(CodeMissingReason, "reject requires a motif")
		}
		if !e.Perms.CanUserAct(opts.Actor, cur) {
			return AdvanceResult{}, refuse(CodeUnauthorized, "profile %s cannot act at stage %s", opts.Actor.Profile, cur)
		}
		step := stepOrNew(&c, cur)
		step.Status = domain.StepRejected
		step.Motif = optional(opts.Motif)
		setStep(&c, *step)
		c.Status = domain.CaseBlocked
		changed = []domain.Stage{cur}
		hist.Action = "rejete"
		hist.Detail = opts.Motif

	case domain.ActionReturn:
		if !e.Perms.CanUserAct(opts.Actor, cur) {
			return AdvanceResult{}, refuse(CodeUnauthorized, "profile %s cannot act at stage %s", opts.Actor.Profile, cur)
		}
		if cur == domain.StageNoteSEF {
			return AdvanceResult{}, refuse(CodeInvalidTransition, "cannot return from the first stage")
		}
		prev := stage.Previous(cur)
		for prev != domain.StageCreation {
			if step := c.Step(prev); step == nil || step.Status != domain.StepSkipped {
				break
			}
			prev = stage.Previous(prev)
		}
		if prev == domain.StageCreation {
			return AdvanceResult{}, refuse(CodeInvalidTransition, "cannot return from the first stage")
		}
		curStep := stepOrNew(&c, cur)
		curStep.Status = domain.StepPending
		setStep(&c, *curStep)
		prevStep := stepOrNew(&c, prev)
		prevStep.Status = domain.StepInProgress
		prevStep.ValidatorID = nil
		prevStep.ValidatedAt = nil
		setStep(&c, *prevStep)
		c.CurrentStage = prev
		c.Status = domain.CaseInProgress
		changed = []domain.Stage{cur, prev}
		hist.Action = "retourne"
		hist.Detail = opts.Motif

	case domain.ActionComment:
		if !e.Perms.IsAuthorized(opts.Actor, "dossier", domain.ActionComment) {
			return AdvanceResult{}, refuse(CodeUnauthorized, "profile %s may not comment", opts.Actor.Profile)
		}
		hist.Action = "commentaire"
		hist.Detail = opts.Motif

	case domain.ActionDelegate:
		if opts.DelegateTo == "" {
			return AdvanceResult{}, refuse(CodeMissingReason, "delegation target required")
		}
		if !e.Perms.CanUserAct(opts.Actor, cur) {
			return AdvanceResult{}, refuse(CodeUnauthorized, "profile %s cannot act at stage %s", opts.Actor.Profile, cur)
		}
		hist.Action = "delegation"
		hist.Detail = "-> " + opts.DelegateTo

	case domain.ActionRequestInfo:
		if !e.Perms.IsAuthorized(opts.Actor, "dossier", domain.ActionRequestInfo) {
			return AdvanceResult{}, refuse(CodeUnauthorized, "profile %s may not request info", opts.Actor.Profile)
		}
		hist.Action = "demande_info"
		hist.Detail = opts.Motif

	case domain.ActionCancel:
		if !e.Perms.IsAuthorized(opts.Actor, "dossier", domain.ActionCancel) {
			return AdvanceResult{}, refuse(CodeUnauthorized, "profile %s may not cancel", opts.Actor.Profile)
		}
		c.Status = domain.CaseCancelled
		hist.Action = "annule"
		hist.Detail = opts.Motif
	}

	c.LastUpdate = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateCaseTx(ctx, tx, c); err != nil {
		return AdvanceResult{}, err
	}
	c.Version++
	for _, s := range changed {
		if step := c.Step(s); step != nil {
			if err := e.Repo.UpsertStepTx(ctx, tx, c.ID, *step); err != nil {
				return AdvanceResult{}, err
			}
		}
	}
	if opts.Action == domain.ActionDelegate {
		d := domain.Delegation{CaseID: c.ID, FromActorID: opts.Actor.ID, ToActorID: opts.DelegateTo, Stage: cur, CreatedAt: now}
		if err := e.Repo.InsertDelegationTx(ctx, tx, d); err != nil {
			return AdvanceResult{}, err
		}
	}
	if err := e.Repo.AppendHistoryTx(ctx, tx, hist); err != nil {
		return AdvanceResult{}, err
	}
	c.History = append(c.History, hist)
	if err := e.Events.Append(ctx, tx, "case.transition", c.UniteID, "case", c.ID, opts.Actor.ID,
		events.TransitionPayload(c.ID, oldStage, c.CurrentStage, c.Status)); err != nil {
		return AdvanceResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, err
	}
	audit.BestEffort(ctx, e.Audit, "case", c.ID, string(opts.Action), opts.Actor.ID,
		snapshotOf(oldStage, oldStatus), snapshot(c))

	return AdvanceResult{Case: c, NewStage: c.CurrentStage, WorkflowComplete: complete}, nil
}

// applyValidate completes the current stage and walks forward to the next
// enterable stage, marking skippable stages whose entry condition fails as
// skipped. The registry's strict order guarantees the walk terminates.
func (e Engine) applyValidate(c *domain.SpendingCase, opts AdvanceOptions, now string) (domain.Stage, bool, []domain.Stage, error) {
	cur := c.CurrentStage
	if !e.Perms.CanUserAct(opts.Actor, cur) {
		return "", false, nil, refuse(CodeUnauthorized, "profile %s lacks role %s required at stage %s",
			opts.Actor.Profile, stage.For(cur).ValidationRole, cur)
	}
	if step := c.Step(cur); step != nil && step.Status == domain.StepDeferred {
		return "", false, nil, refuse(CodeInvalidTransition, "case %s is deferred; resume it first", c.ID)
	}

	step := stepOrNew(c, cur)
	step.Status = domain.StepCompleted
	step.ValidatorID = optional(opts.Actor.ID)
	step.ValidatedAt = optional(now)
	if opts.EntityID != "" {
		step.EntityID = optional(opts.EntityID)
	}
	if opts.Amount != nil {
		step.Amount = opts.Amount
	}
	setStep(c, *step)
	recordStageOutputs(c, cur, opts)
	changed := []domain.Stage{cur}

	if cur == stage.Terminal() {
		c.Status = domain.CaseCompleted
		return cur, true, changed, nil
	}

	from, next := cur, stage.Next(cur)
	for {
		rule, ok := e.Rules.Rule(from, next)
		if !ok {
			return "", false, nil, refuse(CodeInvalidTransition, "no transition rule %s -> %s", from, next)
		}
		if rule.RequiredRole != "" && !e.holdsRole(opts.Actor, rule.RequiredRole) {
			return "", false, nil, refuse(CodeUnauthorized, "role %s required to enter stage %s", rule.RequiredRole, next)
		}
		if e.Rules.Eval(rule.Condition, c) {
			break
		}
		if !stage.For(next).CanSkip {
			return "", false, nil, refuse(CodeInvalidTransition, "entry condition for stage %s not satisfied", next)
		}
		setStep(c, domain.StepRecord{Stage: next, Status: domain.StepSkipped})
		changed = append(changed, next)
		from, next = next, stage.Next(next)
		if next == "" {
			return "", false, nil, refuse(CodeInvalidTransition, "no enterable stage after %s", from)
		}
	}
	setStep(c, domain.StepRecord{Stage: next, Status: domain.StepInProgress})
	changed = append(changed, next)
	c.CurrentStage = next
	c.Status = domain.CaseInProgress
	return next, false, changed, nil
}

// recordStageOutputs copies a validated stage's entity id and amount onto the
// aggregate's per-stage fields. Each monetary field is populated exactly when
// its stage completes.
func recordStageOutputs(c *domain.SpendingCase, s domain.Stage, opts AdvanceOptions) {
	if opts.EntityID != "" {
		id := opts.EntityID
		switch s {
		case domain.StageNoteSEF, domain.StageNoteAEF:
			c.NoteID = &id
		case domain.StageImputation:
			c.ImputationID = &id
		case domain.StagePassation:
			c.MarcheID = &id
		case domain.StageEngagement:
			c.EngagementID = &id
		case domain.StageLiquidation:
			c.LiquidationID = &id
		case domain.StageOrdonnancement:
			c.OrdonnancementID = &id
		case domain.StageReglement:
			c.ReglementID = &id
		}
	}
	if opts.Amount != nil {
		n := *opts.Amount
		switch s {
		case domain.StageEngagement:
			c.CommittedAmount = &n
		case domain.StageLiquidation:
			c.LiquidatedAmount = &n
		case domain.StageOrdonnancement:
			c.OrderedAmount = &n
		case domain.StageReglement:
			c.PaidAmount = &n
		}
	}
}

// Resume clears a block set by a prior defer and restores in_progress at the
// unchanged current stage. Blocks caused by a reject need an explicit new
// validate or return instead.
func (e Engine) Resume(ctx context.Context, caseID string, actor domain.Actor) (domain.SpendingCase, error) {
	var out domain.SpendingCase
	err := e.withRetry(func() error {
		c, err := e.loadCase(ctx, caseID)
		if err != nil {
			return err
		}
		if !c.Started() {
			return refuse(CodeNotStarted, "workflow not started for case %s", caseID)
		}
		if c.Status != domain.CaseBlocked {
			return refuse(CodeNotBlocked, "case %s is %s, not blocked", caseID, c.Status)
		}
		step := c.Step(c.CurrentStage)
		if step == nil || step.Status != domain.StepDeferred {
			return refuse(CodeNotBlocked, "case %s was not blocked by a defer", caseID)
		}
		if !e.Perms.CanUserAct(actor, c.CurrentStage) {
			return refuse(CodeUnauthorized, "profile %s cannot act at stage %s", actor.Profile, c.CurrentStage)
		}
		now := e.stamp()
		oldStage, oldStatus := c.CurrentStage, c.Status
		step.Status = domain.StepInProgress
		step.Motif = nil
		setStep(&c, *step)
		c.Status = domain.CaseInProgress
		c.ResumeDate = nil
		c.LastUpdate = now
		hist := domain.HistoryEntry{CaseID: c.ID, Action: "reprise", Stage: c.CurrentStage, ActorID: actor.ID, TS: now}

		if err := e.commitCase(ctx, &c, []domain.Stage{c.CurrentStage}, hist, actor.ID, oldStage, oldStatus); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// commitCase writes the mutated aggregate, its changed steps and one history
// entry in a single transaction, then emits the transition event in-tx and
// records audit best-effort after commit.
func (e Engine) commitCase(ctx context.Context, c *domain.SpendingCase, changed []domain.Stage, hist domain.HistoryEntry, actorID string, oldStage domain.Stage, oldStatus domain.CaseStatus) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateCaseTx(ctx, tx, *c); err != nil {
		return err
	}
	c.Version++
	for _, s := range changed {
		if step := c.Step(s); step != nil {
			if err := e.Repo.UpsertStepTx(ctx, tx, c.ID, *step); err != nil {
				return err
			}
		}
	}
	if err := e.Repo.AppendHistoryTx(ctx, tx, hist); err != nil {
		return err
	}
	c.History = append(c.History, hist)
	if err := e.Events.Append(ctx, tx, "case.transition", c.UniteID, "case", c.ID, actorID,
		events.TransitionPayload(c.ID, oldStage, c.CurrentStage, c.Status)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	audit.BestEffort(ctx, e.Audit, "case", c.ID, hist.Action, actorID, snapshotOf(oldStage, oldStatus), snapshot(*c))
	return nil
}

func (e Engine) loadCase(ctx context.Context, caseID string) (domain.SpendingCase, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return c, refuse(CodeNotFound, "case %s not found", caseID)
	}
	return c, err
}

// --- helpers ---

func setStep(c *domain.SpendingCase, rec domain.StepRecord) {
	for i := range c.Steps {
		if c.Steps[i].Stage == rec.Stage {
			c.Steps[i] = rec
			return
		}
	}
	c.Steps = append(c.Steps, rec)
}

func stepOrNew(c *domain.SpendingCase, s domain.Stage) *domain.StepRecord {
	if step := c.Step(s); step != nil {
		copied := *step
		return &copied
	}
	return &domain.StepRecord{Stage: s, Status: domain.StepPending}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func snapshot(c domain.SpendingCase) string {
	return snapshotOf(c.CurrentStage, c.Status)
}

func snapshotOf(s domain.Stage, st domain.CaseStatus) string {
	b, _ := json.Marshal(map[string]string{"stage": string(s), "status": string(st)})
	return string(b)
}
