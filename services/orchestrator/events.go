package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"eagled/services/registry"
)

// Session lifecycle subjects. The audit service consumes the whole
// eagled.sessions.> space with one durable consumer.
const (
	subjectUpdated   = "eagled.sessions.updated"
	subjectCompleted = "eagled.sessions.completed"
	subjectFailed    = "eagled.sessions.failed"
)

const (
	actionStepAdvanced = "step_advanced"
	actionCompleted    = "completed"
	actionFailed       = "failed"
	actionCancelled    = "cancelled"
	actionCleanup      = "cleanup"
)

type sessionEvent struct {
	SessionID  uuid.UUID `json:"session_id"`
	Action     string    `json:"action"`
	Step       string    `json:"step"`
	LastTxHash string    `json:"last_tx_hash,omitempty"`
	At         time.Time `json:"at"`
}

// publish emits a lifecycle event. Event delivery is observability, not
// correctness, so failures are logged and swallowed.
func (o *Orchestrator) publish(ctx context.Context, subject string, session registry.Session, action string) {
	if o.events == nil {
		return
	}
	evt := sessionEvent{
		SessionID:  session.ID,
		Action:     action,
		Step:       string(session.Step),
		LastTxHash: session.LastTxHash,
		At:         o.now().UTC(),
	}
	if err := o.events.Publish(ctx, subject, evt); err != nil {
		log.Warn().Err(err).Str("subject", subject).Stringer("session", session.ID).Msg("publish session event")
	}
}
