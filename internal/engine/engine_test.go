package engine_test

import (
	"context"
	"testing"
	"time"

	"budgetline/internal/config"
	"budgetline/internal/db"
	"budgetline/internal/domain"
	"budgetline/internal/engine"
	"budgetline/internal/migrate"
	"budgetline/internal/rules"
)

var (
	actorDG    = domain.Actor{ID: "dg-1", Profile: domain.ProfileDG}
	actorCB    = domain.Actor{ID: "cb-1", Profile: domain.ProfileControleur}
	actorOrd   = domain.Actor{ID: "ord-1", Profile: domain.ProfileOrdonnateur}
	actorTres  = domain.Actor{ID: "tres-1", Profile: domain.ProfileTresorerie}
	actorAdmin = domain.Actor{ID: "root", Profile: domain.ProfileAdmin}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("daf")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func amount(n int64) *int64 { return &n }

func newStartedCase(t *testing.T, env testEnv, estimated *int64) domain.SpendingCase {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Objet:           "Acquisition de fournitures",
		RequesterID:     "op-1",
		EstimatedAmount: estimated,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	c, err = env.Engine.Start(env.Ctx, c.ID, actorAdmin)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return c
}

func validate(t *testing.T, env testEnv, caseID string, actor domain.Actor) engine.AdvanceResult {
	t.Helper()
	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: caseID, Action: domain.ActionValidate, Actor: actor})
	if err != nil {
		t.Fatalf("validate as %s: %v", actor.ID, err)
	}
	return res
}

func TestStartIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, nil)
	if c.CurrentStage != domain.StageNoteSEF || c.Status != domain.CaseDraft {
		t.Fatalf("after start: stage=%s status=%s", c.CurrentStage, c.Status)
	}
	if _, err := env.Engine.Start(env.Ctx, c.ID, actorAdmin); engine.CodeOf(err) != engine.CodeAlreadyStarted {
		t.Fatalf("second start: want already_started, got %v", err)
	}
	got, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != 1 || got.History[0].Action != "start" {
		t.Fatalf("second start must not extend the timeline: %+v", got.History)
	}
}

func TestStatusNotStarted(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{Objet: "Travaux", RequesterID: "op-1"})
	if err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.Status(env.Ctx, c.ID, actorAdmin)
	if err != nil {
		t.Fatal(err)
	}
	if st.Exists {
		t.Fatalf("status before start must report exists=false")
	}
	if _, err := env.Engine.Status(env.Ctx, "missing", actorAdmin); engine.CodeOf(err) != engine.CodeNotFound {
		t.Fatalf("unknown case: want not_found, got %v", err)
	}
}

func TestValidateScenario(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, amount(8_000_000))

	res := validate(t, env, c.ID, actorDG)
	if res.NewStage != domain.StageNoteAEF {
		t.Fatalf("after note_sef validation: stage=%s", res.NewStage)
	}
	if res.Case.Status != domain.CaseInProgress {
		t.Fatalf("first validation must move draft to in_progress, got %s", res.Case.Status)
	}
	got, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != 2 || got.History[0].Action != "start" || got.History[1].Action != "valide" {
		t.Fatalf("history = %+v", got.History)
	}

	// Wrong role at note_aef.
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionValidate, Actor: actorTres})
	if engine.CodeOf(err) != engine.CodeUnauthorized {
		t.Fatalf("tresorerie at note_aef: want unauthorized, got %v", err)
	}

	// Reject blocks and marks the step rejected.
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionReject, Actor: actorDG, Motif: "incomplete"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ = env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if got.Status != domain.CaseBlocked {
		t.Fatalf("after reject: status=%s", got.Status)
	}
	if step := got.Step(domain.StageNoteAEF); step == nil || step.Status != domain.StepRejected {
		t.Fatalf("after reject: step=%+v", step)
	}

	// Resume only clears defer blocks, not reject blocks.
	if _, err := env.Engine.Resume(env.Ctx, c.ID, actorDG); engine.CodeOf(err) != engine.CodeNotBlocked {
		t.Fatalf("resume after reject: want not_blocked, got %v", err)
	}

	// An explicit new validation unblocks.
	res = validate(t, env, c.ID, actorDG)
	if res.NewStage != domain.StageImputation || res.Case.Status != domain.CaseInProgress {
		t.Fatalf("re-validation: stage=%s status=%s", res.NewStage, res.Case.Status)
	}
}

func TestFullPipelineRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, amount(8_000_000))

	steps := []struct {
		actor  domain.Actor
		next   domain.Stage
		amount *int64
	}{
		{actorDG, domain.StageNoteAEF, nil},
		{actorDG, domain.StageImputation, nil},
		{actorCB, domain.StagePassation, nil},
		{actorCB, domain.StageEngagement, nil},
		{actorCB, domain.StageLiquidation, amount(7_500_000)},
		{actorOrd, domain.StageOrdonnancement, amount(7_400_000)},
		{actorOrd, domain.StageReglement, amount(7_400_000)},
	}
	for _, s := range steps {
		res, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionValidate, Actor: s.actor, Amount: s.amount})
		if err != nil {
			t.Fatalf("validate into %s: %v", s.next, err)
		}
		if res.NewStage != s.next {
			t.Fatalf("expected stage %s, got %s", s.next, res.NewStage)
		}
		if res.WorkflowComplete {
			t.Fatalf("workflow reported complete before reglement")
		}
	}

	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionValidate, Actor: actorTres, Amount: amount(7_400_000)})
	if err != nil {
		t.Fatalf("final validate: %v", err)
	}
	if !res.WorkflowComplete || res.Case.Status != domain.CaseCompleted {
		t.Fatalf("final validate: complete=%v status=%s", res.WorkflowComplete, res.Case.Status)
	}
	if res.Case.CommittedAmount == nil || *res.Case.CommittedAmount != 7_500_000 {
		t.Fatalf("committed amount not recorded: %+v", res.Case.CommittedAmount)
	}
	if res.Case.PaidAmount == nil || *res.Case.PaidAmount != 7_400_000 {
		t.Fatalf("paid amount not recorded: %+v", res.Case.PaidAmount)
	}

	st, err := env.Engine.Status(env.Ctx, c.ID, actorAdmin)
	if err != nil {
		t.Fatal(err)
	}
	if !st.WorkflowComplete || len(st.AvailableActions) != 0 {
		t.Fatalf("completed case must offer no actions: %+v", st.AvailableActions)
	}

	// Completed cases accept no further transitions.
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionValidate, Actor: actorAdmin})
	if engine.CodeOf(err) != engine.CodeInvalidTransition {
		t.Fatalf("advance on completed case: want invalid_transition, got %v", err)
	}
}

func TestCustomRuleRoleRestriction(t *testing.T) {
	env := newTestEnv(t)
	set, err := rules.NewSet([]rules.Rule{
		{From: domain.StageNoteSEF, To: domain.StageNoteAEF, Condition: rules.Always(), RequiredRole: domain.RoleTresorerie, RequiresValidation: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.Rules = set
	c := newStartedCase(t, env, nil)

	// DG validates note_sef, but this rule set reserves the transition.
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionValidate, Actor: actorDG})
	if engine.CodeOf(err) != engine.CodeUnauthorized {
		t.Fatalf("restricted transition: want unauthorized, got %v", err)
	}

	res := validate(t, env, c.ID, actorAdmin)
	if res.NewStage != domain.StageNoteAEF {
		t.Fatalf("admin holds every role, got %s", res.NewStage)
	}
}

func TestProcurementSkippedBelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, amount(1_000_000))

	validate(t, env, c.ID, actorDG) // note_sef
	validate(t, env, c.ID, actorDG) // note_aef
	res := validate(t, env, c.ID, actorCB)
	if res.NewStage != domain.StageEngagement {
		t.Fatalf("below threshold must land on engagement, got %s", res.NewStage)
	}
	got, _ := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	step := got.Step(domain.StagePassation)
	if step == nil || step.Status != domain.StepSkipped {
		t.Fatalf("passation step must be skipped, got %+v", step)
	}
}

func TestProcurementMandatoryAtThreshold(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, amount(5_000_000))

	validate(t, env, c.ID, actorDG)
	validate(t, env, c.ID, actorDG)
	res := validate(t, env, c.ID, actorCB)
	if res.NewStage != domain.StagePassation {
		t.Fatalf("at threshold procurement is mandatory, got %s", res.NewStage)
	}
}

func TestDeferAndResume(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, nil)

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionDefer, Actor: actorDG})
	if engine.CodeOf(err) != engine.CodeMissingReason {
		t.Fatalf("defer without motif: want missing_reason, got %v", err)
	}

	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{
		CaseID: c.ID, Action: domain.ActionDefer, Actor: actorDG,
		Motif: "attente budget", ResumeDate: "2026-03-01",
	})
	if err != nil {
		t.Fatalf("defer: %v", err)
	}
	if res.Case.Status != domain.CaseBlocked || res.NewStage != domain.StageNoteSEF {
		t.Fatalf("defer must block without moving: status=%s stage=%s", res.Case.Status, res.NewStage)
	}
	if res.Case.ResumeDate == nil || *res.Case.ResumeDate != "2026-03-01" {
		t.Fatalf("resume date not recorded: %+v", res.Case.ResumeDate)
	}

	// A deferred case cannot be validated until resumed.
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionValidate, Actor: actorDG})
	if engine.CodeOf(err) != engine.CodeInvalidTransition {
		t.Fatalf("validate while deferred: want invalid_transition, got %v", err)
	}

	got, err := env.Engine.Resume(env.Ctx, c.ID, actorDG)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.Status != domain.CaseInProgress || got.CurrentStage != domain.StageNoteSEF || got.ResumeDate != nil {
		t.Fatalf("after resume: %+v", got)
	}

	if _, err := env.Engine.Resume(env.Ctx, c.ID, actorDG); engine.CodeOf(err) != engine.CodeNotBlocked {
		t.Fatalf("resume on unblocked case: want not_blocked, got %v", err)
	}
}

// staleCaseVersion simulates a concurrent writer by bumping the stored
// version underneath a loaded snapshot.
func staleCaseVersion(t *testing.T, env testEnv, caseID string) {
	t.Helper()
	if _, err := env.Engine.DB.Exec(`UPDATE cases SET version = version + 1 WHERE id = ?`, caseID); err != nil {
		t.Fatalf("bump version: %v", err)
	}
}

func TestAdvanceRetriesAfterVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, nil)

	// Engine.Now runs after the snapshot is loaded and before it is written
	// back, which makes it a deterministic interleave point.
	fixed := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	conflicted := false
	env.Engine.Now = func() time.Time {
		if !conflicted {
			conflicted = true
			staleCaseVersion(t, env, c.ID)
		}
		return fixed
	}

	res := validate(t, env, c.ID, actorDG)
	if res.NewStage != domain.StageNoteAEF {
		t.Fatalf("retry should re-apply against the fresh snapshot, got %s", res.NewStage)
	}
	got, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != c.Version+2 {
		t.Fatalf("expected concurrent bump plus one advance, version=%d", got.Version)
	}
	valids := 0
	for _, h := range got.History {
		if h.Action == "valide" {
			valids++
		}
	}
	if valids != 1 {
		t.Fatalf("retry must apply the action exactly once, got %d validations", valids)
	}
}

func TestAdvanceSurfacesConflictAfterRetryBound(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, nil)

	fixed := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time {
		staleCaseVersion(t, env, c.ID)
		return fixed
	}

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionValidate, Actor: actorDG})
	if engine.CodeOf(err) != engine.CodeConcurrencyConflict {
		t.Fatalf("persistent conflict: want concurrency_conflict, got %v", err)
	}

	got, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStage != domain.StageNoteSEF || len(got.History) != 1 {
		t.Fatalf("refused action must leave the case untouched: stage=%s history=%+v", got.CurrentStage, got.History)
	}
}

func TestReturnToPreviousStage(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, amount(8_000_000))

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionReturn, Actor: actorDG})
	if engine.CodeOf(err) != engine.CodeInvalidTransition {
		t.Fatalf("return from first stage: want invalid_transition, got %v", err)
	}

	validate(t, env, c.ID, actorDG)
	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionReturn, Actor: actorDG, Motif: "note à corriger"})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if res.NewStage != domain.StageNoteSEF {
		t.Fatalf("return landed on %s", res.NewStage)
	}
	got, _ := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if step := got.Step(domain.StageNoteSEF); step == nil || step.Status != domain.StepInProgress {
		t.Fatalf("returned stage must be in_progress: %+v", step)
	}
	if step := got.Step(domain.StageNoteAEF); step == nil || step.Status != domain.StepPending {
		t.Fatalf("left stage must revert to pending: %+v", step)
	}
}

func TestReturnWalksOverSkippedStages(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, amount(1_000_000))

	validate(t, env, c.ID, actorDG)
	validate(t, env, c.ID, actorDG)
	validate(t, env, c.ID, actorCB) // skips passation, lands on engagement

	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionReturn, Actor: actorCB})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if res.NewStage != domain.StageImputation {
		t.Fatalf("return must land before the skipped stage, got %s", res.NewStage)
	}
}

func TestCancelIsAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, nil)

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionCancel, Actor: actorDG})
	if engine.CodeOf(err) != engine.CodeUnauthorized {
		t.Fatalf("cancel as DG: want unauthorized, got %v", err)
	}

	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionCancel, Actor: actorAdmin, Motif: "doublon"})
	if err != nil {
		t.Fatalf("cancel as admin: %v", err)
	}
	if res.Case.Status != domain.CaseCancelled {
		t.Fatalf("after cancel: status=%s", res.Case.Status)
	}
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionValidate, Actor: actorAdmin})
	if engine.CodeOf(err) != engine.CodeInvalidTransition {
		t.Fatalf("advance on cancelled case: want invalid_transition, got %v", err)
	}
}

func TestCommentAndDelegate(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, nil)

	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionComment, Actor: actorDG, Motif: "vu"}); err != nil {
		t.Fatalf("comment: %v", err)
	}
	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionDelegate, Actor: actorDG})
	if engine.CodeOf(err) != engine.CodeMissingReason {
		t.Fatalf("delegate without target: want missing_reason, got %v", err)
	}
	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{CaseID: c.ID, Action: domain.ActionDelegate, Actor: actorDG, DelegateTo: "dg-2"}); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	got, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStage != domain.StageNoteSEF || got.Status != domain.CaseDraft {
		t.Fatalf("comment/delegate must not move the case: stage=%s status=%s", got.CurrentStage, got.Status)
	}
	dels, err := env.Engine.Repo.ListDelegations(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dels) != 1 || dels[0].ToActorID != "dg-2" {
		t.Fatalf("delegation not recorded: %+v", dels)
	}
}

func TestEventsEmittedPerTransition(t *testing.T) {
	env := newTestEnv(t)
	c := newStartedCase(t, env, nil)
	validate(t, env, c.ID, actorDG)

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 10, 0, "daf")
	if err != nil {
		t.Fatal(err)
	}
	var kinds []string
	for _, e := range evts {
		kinds = append(kinds, e.Type)
	}
	want := []string{"case.created", "case.transition", "case.transition"}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}
