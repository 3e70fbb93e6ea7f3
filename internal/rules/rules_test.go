package rules_test

import (
	"testing"

	"budgetline/internal/domain"
	"budgetline/internal/rules"
	"budgetline/internal/stage"
)

func amount(n int64) *int64 { return &n }

func TestDuplicatePairRejected(t *testing.T) {
	_, err := rules.NewSet([]rules.Rule{
		{From: domain.StageNoteSEF, To: domain.StageNoteAEF, Condition: rules.Always()},
		{From: domain.StageNoteSEF, To: domain.StageNoteAEF, Condition: rules.Always()},
	})
	if err == nil {
		t.Fatalf("expected duplicate pair error")
	}
}

func TestUnknownStageRejected(t *testing.T) {
	_, err := rules.NewSet([]rules.Rule{
		{From: domain.Stage("bogus"), To: domain.StageNoteAEF, Condition: rules.Always()},
	})
	if err == nil {
		t.Fatalf("expected unknown stage error")
	}
}

func TestDefaultCoversConsecutivePairs(t *testing.T) {
	set := rules.Default(5_000_000)
	chain := stage.All()
	for i := 0; i+1 < len(chain); i++ {
		r, ok := set.Rule(chain[i], chain[i+1])
		if !ok {
			t.Fatalf("missing rule %s -> %s", chain[i], chain[i+1])
		}
		// Role gating lives on the current stage's validation role; a rule
		// requiring the destination's role would refuse every legitimate
		// validator at a role boundary.
		if r.RequiredRole != "" {
			t.Fatalf("rule %s -> %s carries role %s", chain[i], chain[i+1], r.RequiredRole)
		}
		if !r.RequiresValidation {
			t.Fatalf("rule %s -> %s should require validation", chain[i], chain[i+1])
		}
	}
	if _, ok := set.Rule(domain.StageNoteSEF, domain.StageReglement); ok {
		t.Fatalf("unexpected rule across non-consecutive stages")
	}
}

func TestProcurementEntryCondition(t *testing.T) {
	set := rules.Default(5_000_000)
	r, ok := set.Rule(domain.StageImputation, domain.StagePassation)
	if !ok {
		t.Fatalf("missing procurement entry rule")
	}
	small := &domain.SpendingCase{EstimatedAmount: amount(1_000_000)}
	big := &domain.SpendingCase{EstimatedAmount: amount(9_000_000)}
	if set.Eval(r.Condition, small) {
		t.Fatalf("below-threshold case should not enter procurement")
	}
	if !set.Eval(r.Condition, big) {
		t.Fatalf("at-threshold case should enter procurement")
	}
	// A case with no estimate stays out of procurement.
	if set.Eval(r.Condition, &domain.SpendingCase{}) {
		t.Fatalf("case without estimate should not enter procurement")
	}
}

func TestStageCompletedPredicate(t *testing.T) {
	set := rules.Default(5_000_000)
	c := &domain.SpendingCase{Steps: []domain.StepRecord{
		{Stage: domain.StageNoteSEF, Status: domain.StepCompleted},
		{Stage: domain.StageNoteAEF, Status: domain.StepInProgress},
	}}
	if !set.Eval(rules.StageCompleted(domain.StageNoteSEF), c) {
		t.Fatalf("completed stage not detected")
	}
	if set.Eval(rules.StageCompleted(domain.StageNoteAEF), c) {
		t.Fatalf("in-progress stage reported completed")
	}
}

func TestCustomPredicate(t *testing.T) {
	set := rules.Default(5_000_000)
	c := &domain.SpendingCase{Exercice: 2026}
	p := rules.Custom("exercice_open")
	if set.Eval(p, c) {
		t.Fatalf("unbound custom predicate should be false")
	}
	set.RegisterCustom("exercice_open", func(c *domain.SpendingCase) bool { return c.Exercice >= 2026 })
	if !set.Eval(p, c) {
		t.Fatalf("custom predicate should hold")
	}
}
