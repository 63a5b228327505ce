// Package audit records session lifecycle events into the session_audit
// table. It consumes the orchestrator's NATS stream so audit writes never
// sit on the request path.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"eagled/pkg/bus"
	"eagled/pkg/db"
)

const (
	sessionsSubject = "eagled.sessions.>"
	durableName     = "audit-sessions"
	actor           = "orchestrator"
)

type sessionEvent struct {
	SessionID  uuid.UUID `json:"session_id"`
	Action     string    `json:"action"`
	Step       string    `json:"step"`
	LastTxHash string    `json:"last_tx_hash"`
	At         time.Time `json:"at"`
}

// Recorder consumes session lifecycle events from NATS and persists audit
// rows describing each transition.
type Recorder struct {
	pool *pgxpool.Pool
	bus  *bus.Bus

	subMu sync.Mutex
	sub   io.Closer
}

// NewRecorder constructs a Recorder for the provided dependencies.
func NewRecorder(pool *pgxpool.Pool, bus *bus.Bus) (*Recorder, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	return &Recorder{pool: pool, bus: bus}, nil
}

// Start subscribes to session lifecycle events and processes them until ctx
// is cancelled.
func (r *Recorder) Start(ctx context.Context) error {
	if r == nil {
		return errors.New("nil recorder")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	handler := func(msgCtx context.Context, data []byte) error {
		return r.handleEvent(msgCtx, data)
	}

	sub, err := r.bus.Subscribe(ctx, sessionsSubject, durableName, handler)
	if err != nil {
		return err
	}

	r.subMu.Lock()
	r.sub = sub
	r.subMu.Unlock()

	return nil
}

// Close stops the underlying subscription if it was created.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.sub = nil
	return err
}

func (r *Recorder) handleEvent(ctx context.Context, data []byte) error {
	var evt sessionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.SessionID == uuid.Nil {
		return errors.New("session_id missing from event")
	}
	if evt.Action == "" {
		return errors.New("action missing from event")
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	details := map[string]any{"at": evt.At.Format(time.RFC3339Nano)}
	if evt.LastTxHash != "" {
		details["last_tx_hash"] = evt.LastTxHash
	}
	detailsBytes, err := json.Marshal(details)
	if err != nil {
		return err
	}

	// Redelivered and retried events collapse onto one row per
	// (session, action, step).
	_, err = db.Exec(ctx, r.pool, `
INSERT INTO session_audit (session_id, actor, action, step, details)
SELECT $1, $2, $3, $4, $5::jsonb
WHERE NOT EXISTS (
	SELECT 1 FROM session_audit
	WHERE session_id = $1 AND action = $3 AND step = $4
)
`, evt.SessionID, actor, evt.Action, evt.Step, detailsBytes)
	return err
}
