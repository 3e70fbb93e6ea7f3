package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"budgetline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside the caller's transaction, so the event
// commits atomically with the state change it describes. Consumers read the
// table through a cursor (at-least-once delivery) and must be idempotent.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, uniteID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,unite_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(uniteID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// TransitionPayload is the payload emitted after each successful workflow
// mutation, consumed by dashboards and badge counters.
func TransitionPayload(caseID string, from, to domain.Stage, newStatus domain.CaseStatus) EventPayload {
	return EventPayload{
		"case_id":    caseID,
		"from_stage": string(from),
		"to_stage":   string(to),
		"new_status": string(newStatus),
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
