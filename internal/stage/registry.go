package stage

import (
	"fmt"

	"budgetline/internal/domain"
)

// Config describes one stage of the pipeline. Stages are immutable
// configuration, not runtime entities.
type Config struct {
	Label            string
	RequiredPrevious *domain.Stage
	CanSkip          bool
	ValidationRole   string
}

// ordered is the authoritative pipeline order. currentStage is always a
// single scalar on the case; when a "next actionable stage" question could
// be ambiguous, this order decides.
var ordered = []domain.Stage{
	domain.StageCreation,
	domain.StageNoteSEF,
	domain.StageNoteAEF,
	domain.StageImputation,
	domain.StagePassation,
	domain.StageEngagement,
	domain.StageLiquidation,
	domain.StageOrdonnancement,
	domain.StageReglement,
}

var configs = map[domain.Stage]Config{
	domain.StageCreation: {
		Label: "Création du dossier",
	},
	domain.StageNoteSEF: {
		Label:            "Note SEF",
		RequiredPrevious: prev(domain.StageCreation),
		ValidationRole:   domain.RoleDG,
	},
	domain.StageNoteAEF: {
		Label:            "Note AEF",
		RequiredPrevious: prev(domain.StageNoteSEF),
		ValidationRole:   domain.RoleDG,
	},
	domain.StageImputation: {
		Label:            "Imputation budgétaire",
		RequiredPrevious: prev(domain.StageNoteAEF),
		ValidationRole:   domain.RoleCB,
	},
	domain.StagePassation: {
		Label:            "Passation de marché",
		RequiredPrevious: prev(domain.StageImputation),
		CanSkip:          true,
		ValidationRole:   domain.RoleCB,
	},
	domain.StageEngagement: {
		Label:            "Engagement",
		RequiredPrevious: prev(domain.StagePassation),
		ValidationRole:   domain.RoleCB,
	},
	domain.StageLiquidation: {
		Label:            "Liquidation",
		RequiredPrevious: prev(domain.StageEngagement),
		ValidationRole:   domain.RoleOrdonnateur,
	},
	domain.StageOrdonnancement: {
		Label:            "Ordonnancement",
		RequiredPrevious: prev(domain.StageLiquidation),
		ValidationRole:   domain.RoleOrdonnateur,
	},
	domain.StageReglement: {
		Label:            "Règlement",
		RequiredPrevious: prev(domain.StageOrdonnancement),
		ValidationRole:   domain.RoleTresorerie,
	},
}

func prev(s domain.Stage) *domain.Stage { return &s }

// All returns the stages in pipeline order.
func All() []domain.Stage {
	out := make([]domain.Stage, len(ordered))
	copy(out, ordered)
	return out
}

// First returns the initial stage of the pipeline.
func First() domain.Stage { return ordered[0] }

// Terminal returns the last stage of the pipeline.
func Terminal() domain.Stage { return ordered[len(ordered)-1] }

// Order returns the position of a stage in the pipeline, starting at 0.
// An unknown stage is a misconfiguration, not a recoverable runtime error.
func Order(s domain.Stage) int {
	for i, st := range ordered {
		if st == s {
			return i
		}
	}
	panic(fmt.Sprintf("stage: unknown stage %q", s))
}

// Next returns the stage after s, or "" at the end of the pipeline.
func Next(s domain.Stage) domain.Stage {
	i := Order(s)
	if i+1 >= len(ordered) {
		return ""
	}
	return ordered[i+1]
}

// Previous returns the stage before s, or "" at the start of the pipeline.
func Previous(s domain.Stage) domain.Stage {
	i := Order(s)
	if i == 0 {
		return ""
	}
	return ordered[i-1]
}

// For returns the configuration of a stage.
func For(s domain.Stage) Config {
	cfg, ok := configs[s]
	if !ok {
		panic(fmt.Sprintf("stage: unknown stage %q", s))
	}
	return cfg
}

// Valid reports whether s names a known stage.
func Valid(s domain.Stage) bool {
	_, ok := configs[s]
	return ok
}
