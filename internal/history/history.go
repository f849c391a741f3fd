package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Message types recorded in the case audit log.
const (
	TypeStatusChange  = "STATUS_CHANGE"
	TypeContentEdit   = "CONTENT_EDIT"
	TypeAgentOutput   = "AGENT_OUTPUT"
	TypeAgentError    = "AGENT_ERROR"
	TypeAccessDenied  = "ACCESS_DENIED"
	TypeCaseCreated   = "CASE_CREATED"
	TypeFinalDecision = "FINAL_DECISION"
)

// Sources of history entries.
const (
	SourceUser         = "user"
	SourceOrchestrator = "orchestrator"
	SourceAgent        = "agent"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append writes one audit entry inside the caller's transaction so the
// entry commits or rolls back with the state change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, caseID, source, messageType, actorID string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal history payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO history(case_id,ts,source,message_type,content,actor_id) VALUES (?,?,?,?,?,?)`,
		caseID, ts, source, messageType, string(data), actorID)
	return err
}
