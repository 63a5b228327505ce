package registry

import (
	"context"

	"github.com/google/uuid"
)

// ContinueResult is what continuation, cancellation, and cleanup hand back
// to the HTTP surface: identity, progress, and the last known hashes.
type ContinueResult struct {
	ID             uuid.UUID `json:"id"`
	Step           Step      `json:"step"`
	LastTxHash     string    `json:"lastTxHash,omitempty"`
	LastUserOpHash string    `json:"lastUserOpHash,omitempty"`
}

// Continuer drives the remaining deployment phases of a session. The
// orchestrator service implements it; the registry only authenticates the
// request and maps the outcome onto the response envelope.
type Continuer interface {
	Continue(ctx context.Context, sessionID uuid.UUID, deployToken string) (ContinueResult, error)
	Cancel(ctx context.Context, sessionID uuid.UUID) (ContinueResult, error)
	Cleanup(ctx context.Context, sessionID uuid.UUID, deployToken string) (ContinueResult, error)
}
