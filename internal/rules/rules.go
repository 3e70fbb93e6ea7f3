package rules

import (
	"fmt"

	"budgetline/internal/domain"
	"budgetline/internal/stage"
)

// Predicate is a serializable guard over a spending case. Keeping conditions
// as data rather than closures keeps the rule set inspectable and testable
// independent of the engine; Custom is the escape hatch for logic that does
// not fit the declarative kinds.
type Predicate struct {
	Kind   string       `json:"kind" enum:"always,amount_below,amount_at_least,stage_completed,custom"`
	Amount int64        `json:"amount,omitempty"`
	Stage  domain.Stage `json:"stage,omitempty"`
	Name   string       `json:"name,omitempty"`
}

// CustomFunc evaluates a named custom predicate.
type CustomFunc func(c *domain.SpendingCase) bool

func Always() Predicate                       { return Predicate{Kind: "always"} }
func AmountBelow(n int64) Predicate           { return Predicate{Kind: "amount_below", Amount: n} }
func AmountAtLeast(n int64) Predicate         { return Predicate{Kind: "amount_at_least", Amount: n} }
func StageCompleted(s domain.Stage) Predicate { return Predicate{Kind: "stage_completed", Stage: s} }
func Custom(name string) Predicate            { return Predicate{Kind: "custom", Name: name} }

// Rule describes one legal move between two stages.
type Rule struct {
	From               domain.Stage `json:"from"`
	To                 domain.Stage `json:"to"`
	Condition          Predicate    `json:"condition"`
	RequiredRole       string       `json:"required_role,omitempty"`
	RequiresValidation bool         `json:"requires_validation"`
}

// Set is a total function from (from, to) pairs to at most one rule.
type Set struct {
	rules   map[[2]domain.Stage]Rule
	customs map[string]CustomFunc
}

// NewSet builds a rule set, rejecting duplicate (from, to) pairs — two rules
// for the same pair would make the applicable rule ambiguous.
func NewSet(rules []Rule) (*Set, error) {
	s := &Set{
		rules:   make(map[[2]domain.Stage]Rule, len(rules)),
		customs: map[string]CustomFunc{},
	}
	for _, r := range rules {
		if !stage.Valid(r.From) || !stage.Valid(r.To) {
			return nil, fmt.Errorf("rule %s -> %s references unknown stage", r.From, r.To)
		}
		key := [2]domain.Stage{r.From, r.To}
		if _, dup := s.rules[key]; dup {
			return nil, fmt.Errorf("duplicate rule for %s -> %s", r.From, r.To)
		}
		s.rules[key] = r
	}
	return s, nil
}

// RegisterCustom binds a named custom predicate. Unbound custom predicates
// evaluate to false.
func (s *Set) RegisterCustom(name string, fn CustomFunc) {
	s.customs[name] = fn
}

// Rule returns the rule for a (from, to) pair.
func (s *Set) Rule(from, to domain.Stage) (Rule, bool) {
	r, ok := s.rules[[2]domain.Stage{from, to}]
	return r, ok
}

// Eval evaluates a predicate against a case.
func (s *Set) Eval(p Predicate, c *domain.SpendingCase) bool {
	switch p.Kind {
	case "", "always":
		return true
	case "amount_below":
		return c.EstimatedAmount != nil && *c.EstimatedAmount < p.Amount
	case "amount_at_least":
		return c.EstimatedAmount != nil && *c.EstimatedAmount >= p.Amount
	case "stage_completed":
		step := c.Step(p.Stage)
		return step != nil && step.Status == domain.StepCompleted
	case "custom":
		fn, ok := s.customs[p.Name]
		return ok && fn(c)
	default:
		return false
	}
}

// Default builds the standard pipeline rule set. Each consecutive stage pair
// gets one rule; the entry condition on passation_marche carries the
// procurement threshold, so cases below it are skipped out of procurement.
// The threshold is configuration, not a constant (its authoritative value is
// owned by the budget directorate).
//
// Default rules carry no RequiredRole: the validator of the current stage is
// gated by the stage registry's validation role, and the hand-off to the next
// stage's validator happens on entry, not on exit. RequiredRole exists for
// custom rule sets that restrict a specific transition further.
func Default(procurementThreshold int64) *Set {
	chain := stage.All()
	var rules []Rule
	for i := 0; i+1 < len(chain); i++ {
		r := Rule{
			From:               chain[i],
			To:                 chain[i+1],
			Condition:          Always(),
			RequiresValidation: true,
		}
		if chain[i+1] == domain.StagePassation {
			r.Condition = AmountAtLeast(procurementThreshold)
		}
		rules = append(rules, r)
	}
	set, err := NewSet(rules)
	if err != nil {
		// The default chain is built from the registry's strict order, so a
		// duplicate pair here is a programming error.
		panic(err)
	}
	return set
}
