package server

import (
	"encoding/base64"
	"fmt"
	"strings"

	"budgetline/internal/domain"
)

// Domain types already carry JSON tags and enum annotations, so responses
// expose them directly; only request shapes and pagination envelopes live here.

type CreateCaseRequest struct {
	ID              string `json:"id,omitempty"`
	UniteID         string `json:"unite_id,omitempty"`
	Exercice        int    `json:"exercice,omitempty"`
	Objet           string `json:"objet"`
	EstimatedAmount *int64 `json:"estimated_amount,omitempty"`
}

type ActionRequest struct {
	Action     domain.Action `json:"action" enum:"validate,defer,reject,return,comment,delegate,request_info,cancel"`
	Motif      string        `json:"motif,omitempty"`
	ResumeDate string        `json:"resume_date,omitempty" format:"date"`
	DelegateTo string        `json:"delegate_to,omitempty"`
	EntityID   string        `json:"entity_id,omitempty"`
	Amount     *int64        `json:"amount,omitempty"`
}

type UpsertActorRequest struct {
	Profile domain.Profile `json:"profile" enum:"admin,directeur_general,controleur_budgetaire,ordonnateur,tresorerie,auditeur,operateur"`
	Role    string         `json:"role,omitempty"`
	Level   int            `json:"level,omitempty" minimum:"1" maximum:"5"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is returned exactly once, at creation.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

type paginatedCases struct {
	Items      []domain.SpendingCase `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version,omitempty"`
}

type MeResponse struct {
	ActorID string         `json:"actor_id"`
	Profile domain.Profile `json:"profile"`
	Role    string         `json:"role,omitempty"`
	Level   int            `json:"level,omitempty"`
	Source  string         `json:"source"`
	Routes  []string       `json:"routes,omitempty"`
}

type StatsResponse struct {
	UniteID  string         `json:"unite_id"`
	ByStage  map[string]int `json:"by_stage"`
	ByStatus map[string]int `json:"by_status"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
