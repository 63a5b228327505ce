package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"eagled/services/bundler"
)

// Step is the persisted progress marker of a deployment session. Steps only
// move forward through the ordered phase sequence, or jump into one of the
// absorbing states.
type Step string

const (
	StepCreated         Step = "created"
	StepPhase1Sent      Step = "phase1_sent"
	StepPhase1Confirmed Step = "phase1_confirmed"
	StepPhase2Sent      Step = "phase2_sent"
	StepPhase2Confirmed Step = "phase2_confirmed"
	StepPhase3Sent      Step = "phase3_sent"
	StepPhase3Confirmed Step = "phase3_confirmed"
	StepCleanupSent     Step = "cleanup_sent"
	StepCompleted       Step = "completed"
	StepCancelled       Step = "cancelled"
	StepFailed          Step = "failed"
)

// stepRank orders the forward path. Absorbing states are not ranked; they
// are reachable from any live step and left via none.
var stepRank = map[Step]int{
	StepCreated:         0,
	StepPhase1Sent:      1,
	StepPhase1Confirmed: 2,
	StepPhase2Sent:      3,
	StepPhase2Confirmed: 4,
	StepPhase3Sent:      5,
	StepPhase3Confirmed: 6,
	StepCleanupSent:     7,
	StepCompleted:       8,
}

// ParseStep validates a stored step value.
func ParseStep(s string) (Step, error) {
	step := Step(s)
	if !step.Valid() {
		return "", fmt.Errorf("unknown step %q", s)
	}
	return step, nil
}

// Valid reports whether the step is a member of the enum.
func (s Step) Valid() bool {
	if _, ok := stepRank[s]; ok {
		return true
	}
	return s == StepCancelled || s == StepFailed
}

// Terminal reports whether no further phase work can happen in this step.
func (s Step) Terminal() bool {
	return s == StepCompleted || s == StepCancelled || s == StepFailed
}

// absorbing reports whether the step is a dead-end failure/cancel state.
func (s Step) absorbing() bool {
	return s == StepCancelled || s == StepFailed
}

// canTransition reports whether moving from one step to another is legal:
// same step (idempotent retries), any live step into an absorbing state, or
// strictly forward along the ranked path.
func canTransition(from, to Step) bool {
	if from == to {
		return true
	}
	if to.absorbing() {
		return !from.Terminal()
	}
	fromRank, ok := stepRank[from]
	if !ok {
		return false
	}
	toRank, ok := stepRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// transitionSources returns every persisted step from which a write to the
// target step is legal, including the target itself (idempotent retries).
// Encoding this set in the UPDATE's WHERE clause keeps the forward-only
// rule intact when two writers race the same row.
func transitionSources(to Step) []string {
	sources := make([]string, 0, len(stepRank)+2)
	for from := range stepRank {
		if canTransition(from, to) {
			sources = append(sources, string(from))
		}
	}
	for _, from := range []Step{StepCancelled, StepFailed} {
		if canTransition(from, to) {
			sources = append(sources, string(from))
		}
	}
	sort.Strings(sources)
	return sources
}

// Confirmed reports whether the session has already confirmed the phase the
// given step confirms, i.e. the persisted step ranks at or above it.
func (s Step) Confirmed(confirmStep Step) bool {
	rank, ok := stepRank[s]
	if !ok {
		return false
	}
	return rank >= stepRank[confirmStep]
}

// Payload keys for the per-phase call batches.
const (
	PayloadPhase2Calls = "phase2Calls"
	PayloadPhase3Calls = "phase3Calls"
)

// Session is one delegated multi-phase deployment flow.
type Session struct {
	ID                 uuid.UUID
	TokenHash          string
	SessionAddress     common.Address
	SmartWallet        common.Address
	SessionOwner       common.Address
	SessionOwnerKeyEnc []byte
	Payload            map[string]any
	Step               Step
	LastError          string
	LastUserOpHash     string
	LastTxHash         string
	ExpiresAt          time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Expired reports whether the session's lifetime has passed.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// PhaseCalls decodes one call batch out of the payload. A missing key is an
// empty batch; a present key that does not strictly decode into calls is an
// error, never silently skipped.
func (s Session) PhaseCalls(key string) ([]bundler.Call, error) {
	raw, ok := s.Payload[key]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: payload %s: %v", ErrValidation, key, err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.DisallowUnknownFields()
	var calls []bundler.Call
	if err := dec.Decode(&calls); err != nil {
		return nil, fmt.Errorf("%w: payload %s: %v", ErrValidation, key, err)
	}
	return calls, nil
}

// UpdateSession is the typed partial update for a session row. Nil fields
// are preserved; PayloadPatch keys are merged into the existing payload
// rather than replacing it.
type UpdateSession struct {
	Step           *Step
	LastError      *string
	LastUserOpHash *string
	LastTxHash     *string
	PayloadPatch   map[string]any
}
