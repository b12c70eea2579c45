package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"faz/internal/domain"
)

// Event types fanned out to clients. The durable rows remain the source of
// truth; see the broadcaster for the live delivery contract.
const (
	TypePhaseChanged = "phase_changed"
	TypeRunStarted   = "run_started"
	TypeRunCompleted = "run_completed"
	TypeRunFailed    = "run_failed"
	TypeGateOpened   = "gate_opened"
	TypeGateResolved = "gate_resolved"
	TypeFileWritten  = "file_written"
	TypeError        = "error"
	TypeTokenUsage   = "token_usage"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts an event inside the caller's transaction and returns the
// stored row, including its sequence id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return domain.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:         id,
		TS:         ts,
		Type:       evtType,
		ProjectID:  projectID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
