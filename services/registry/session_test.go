package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepValid(t *testing.T) {
	for _, step := range []Step{
		StepCreated, StepPhase1Sent, StepPhase1Confirmed,
		StepPhase2Sent, StepPhase2Confirmed,
		StepPhase3Sent, StepPhase3Confirmed,
		StepCleanupSent, StepCompleted, StepCancelled, StepFailed,
	} {
		assert.True(t, step.Valid(), "step %s", step)
	}
	assert.False(t, Step("phase4_sent").Valid())
	assert.False(t, Step("").Valid())
}

func TestParseStep(t *testing.T) {
	step, err := ParseStep("phase2_confirmed")
	require.NoError(t, err)
	assert.Equal(t, StepPhase2Confirmed, step)

	_, err = ParseStep("bogus")
	require.Error(t, err)
}

func TestStepTerminal(t *testing.T) {
	assert.True(t, StepCompleted.Terminal())
	assert.True(t, StepCancelled.Terminal())
	assert.True(t, StepFailed.Terminal())
	assert.False(t, StepCreated.Terminal())
	assert.False(t, StepCleanupSent.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Step
		to   Step
		ok   bool
	}{
		{"forward one step", StepCreated, StepPhase1Sent, true},
		{"forward skipping steps", StepCreated, StepPhase3Confirmed, true},
		{"same step is idempotent", StepPhase2Sent, StepPhase2Sent, true},
		{"backwards is rejected", StepPhase2Confirmed, StepPhase2Sent, false},
		{"live to cancelled", StepPhase3Sent, StepCancelled, true},
		{"live to failed", StepCleanupSent, StepFailed, true},
		{"completed to cancelled", StepCompleted, StepCancelled, false},
		{"failed to cancelled", StepFailed, StepCancelled, false},
		{"cancelled to completed", StepCancelled, StepCompleted, false},
		{"failed forward", StepFailed, StepCleanupSent, false},
		{"sent to confirmed", StepCleanupSent, StepCompleted, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, canTransition(tc.from, tc.to))
		})
	}
}

func TestTransitionSources(t *testing.T) {
	assert.ElementsMatch(t, []string{
		string(StepCreated), string(StepPhase1Sent),
		string(StepPhase1Confirmed), string(StepPhase2Sent),
	}, transitionSources(StepPhase2Sent))

	// Absorbing targets accept any live step plus the idempotent retry.
	assert.ElementsMatch(t, []string{
		string(StepCreated), string(StepPhase1Sent), string(StepPhase1Confirmed),
		string(StepPhase2Sent), string(StepPhase2Confirmed),
		string(StepPhase3Sent), string(StepPhase3Confirmed),
		string(StepCleanupSent), string(StepCancelled),
	}, transitionSources(StepCancelled))

	// No source set ever contains a foreign terminal state.
	for _, target := range []Step{StepCompleted, StepFailed} {
		assert.NotContains(t, transitionSources(target), string(StepCancelled))
	}
	assert.NotContains(t, transitionSources(StepPhase2Sent), string(StepPhase2Confirmed))
}

func TestStepConfirmed(t *testing.T) {
	assert.True(t, StepPhase2Confirmed.Confirmed(StepPhase2Confirmed))
	assert.True(t, StepPhase3Sent.Confirmed(StepPhase2Confirmed))
	assert.True(t, StepCompleted.Confirmed(StepPhase3Confirmed))
	assert.False(t, StepPhase2Sent.Confirmed(StepPhase2Confirmed))
	assert.False(t, StepFailed.Confirmed(StepPhase2Confirmed))
	assert.False(t, StepCancelled.Confirmed(StepCreated))
}

func TestSessionExpired(t *testing.T) {
	now := time.Now().UTC()

	live := Session{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, live.Expired(now))

	past := Session{ExpiresAt: now.Add(-time.Second)}
	assert.True(t, past.Expired(now))

	unset := Session{}
	assert.False(t, unset.Expired(now), "zero expiry never expires")
}

func TestPhaseCallsMissingKeyIsEmpty(t *testing.T) {
	s := Session{Payload: map[string]any{}}
	calls, err := s.PhaseCalls(PayloadPhase2Calls)
	require.NoError(t, err)
	assert.Empty(t, calls)

	s.Payload = nil
	calls, err = s.PhaseCalls(PayloadPhase3Calls)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestPhaseCallsDecodesBatch(t *testing.T) {
	s := Session{Payload: map[string]any{
		PayloadPhase2Calls: []any{
			map[string]any{
				"to":   "0x4444444444444444444444444444444444444444",
				"data": "0xdeadbeef",
			},
		},
	}}

	calls, err := s.PhaseCalls(PayloadPhase2Calls)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "0x4444444444444444444444444444444444444444", calls[0].To.Hex())
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, []byte(calls[0].Data))
}

func TestPhaseCallsRejectsUnknownFields(t *testing.T) {
	s := Session{Payload: map[string]any{
		PayloadPhase2Calls: []any{
			map[string]any{
				"to":       "0x4444444444444444444444444444444444444444",
				"gasLimit": "0x5208",
			},
		},
	}}

	_, err := s.PhaseCalls(PayloadPhase2Calls)
	require.ErrorIs(t, err, ErrValidation)
}

func TestPhaseCallsRejectsMalformedShape(t *testing.T) {
	s := Session{Payload: map[string]any{
		PayloadPhase3Calls: "not a list",
	}}

	_, err := s.PhaseCalls(PayloadPhase3Calls)
	require.ErrorIs(t, err, ErrValidation)
}

func TestExcludedSteps(t *testing.T) {
	strict := excludedSteps(false)
	assert.ElementsMatch(t, []string{
		string(StepCompleted), string(StepCancelled), string(StepFailed),
	}, strict)

	relaxed := excludedSteps(true)
	assert.ElementsMatch(t, []string{
		string(StepCompleted), string(StepCancelled),
	}, relaxed)
}
