package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Writer appends rows to the events table inside the caller's
// transaction, so events commit atomically with the state change that
// produced them.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event. evtType follows "<resource>.<action>"
// naming (promise.fulfilled, score.updated). entityKind and entityID
// locate the subject; actorID is the authenticated caller, empty for
// server-initiated events.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
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
	eventID := "evt_" + uuid.NewString()
	_, err = tx.ExecContext(ctx, `INSERT INTO events(event_id,ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		eventID, ts, evtType, entityKind, nullable(entityID), nullable(actorID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
