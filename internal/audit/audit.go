package audit

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Sink receives audit records for every engine mutation. Recording is
// best-effort: a sink failure must never block the underlying transition.
type Sink interface {
	Record(ctx context.Context, entityType, entityID, action, actorID, oldValue, newValue string) error
}

// SQLSink writes audit rows to the audit_log table.
type SQLSink struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s SQLSink) Record(ctx context.Context, entityType, entityID, action, actorID, oldValue, newValue string) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO audit_log(entity_type,entity_id,action,actor_id,old_value,new_value,ts) VALUES (?,?,?,?,?,?,?)`,
		entityType, entityID, action, actorID, nullable(oldValue), nullable(newValue), now().UTC().Format(time.RFC3339))
	return err
}

// BestEffort wraps a sink so failures are logged instead of propagated.
func BestEffort(ctx context.Context, sink Sink, entityType, entityID, action, actorID, oldValue, newValue string) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, entityType, entityID, action, actorID, oldValue, newValue); err != nil {
		log.Printf("audit: record %s %s on %s/%s failed: %v", action, actorID, entityType, entityID, err)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
