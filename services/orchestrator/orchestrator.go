// Package orchestrator drives the remaining phases of a delegated
// deployment session. Each invocation is stateless: it loads the persisted
// session, works out which batches still have to run, submits them through
// the bundler signed by the decrypted session key, and writes progress back
// after every transition. A handler crash or timeout at any point leaves
// the session resumable from the last confirmed step.
package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"eagled/services/bundler"
	"eagled/services/registry"
)

// DefaultOwnerScanLimit bounds the owner-slot prefix scanned when locating
// the delegated owner on the smart wallet.
const DefaultOwnerScanLimit = 20

// SessionStore is the slice of the registry store the orchestrator needs.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (registry.Session, error)
	Update(ctx context.Context, id uuid.UUID, upd registry.UpdateSession) (registry.Session, error)
}

// KeyVault decrypts the delegated signing key.
type KeyVault interface {
	DecryptKey(blob []byte) (*ecdsa.PrivateKey, error)
}

// ChainReader is read-only chain access for the owner scan.
type ChainReader interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Bundler submits call batches and waits for their receipts.
type Bundler interface {
	Submit(ctx context.Context, token string, acct bundler.Account, calls []bundler.Call, sign bundler.SignFunc) (bundler.Handle, error)
	AwaitReceipt(ctx context.Context, token string, h bundler.Handle) (bundler.Receipt, error)
}

// Publisher emits session lifecycle events. May be nil when no bus is
// configured.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Config tunes the orchestrator.
type Config struct {
	// OwnerScanLimit is how many owner slots to scan for the delegated
	// owner. Zero means DefaultOwnerScanLimit.
	OwnerScanLimit uint64
}

// Orchestrator executes deployment steps for one session per call.
type Orchestrator struct {
	store   SessionStore
	vault   KeyVault
	chain   ChainReader
	bundler Bundler
	events  Publisher

	ownerScanLimit uint64
	now            func() time.Time
}

// New wires an Orchestrator. Store, vault, chain, and bundler are required;
// events may be nil.
func New(store SessionStore, vault KeyVault, chain ChainReader, bnd Bundler, events Publisher, cfg Config) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if vault == nil {
		return nil, errors.New("orchestrator: vault is required")
	}
	if chain == nil {
		return nil, errors.New("orchestrator: chain reader is required")
	}
	if bnd == nil {
		return nil, errors.New("orchestrator: bundler is required")
	}
	limit := cfg.OwnerScanLimit
	if limit == 0 {
		limit = DefaultOwnerScanLimit
	}
	return &Orchestrator{
		store:          store,
		vault:          vault,
		chain:          chain,
		bundler:        bnd,
		events:         events,
		ownerScanLimit: limit,
		now:            time.Now,
	}, nil
}

// phase is one batch that still has to run, with the steps bracketing it.
type phase struct {
	sent      registry.Step
	confirmed registry.Step
	calls     []bundler.Call
}

// Continue resumes the session from its persisted step and runs everything
// that remains. Completed sessions short-circuit with their stored result
// and no chain access. Transaction failures leave the session at its _sent
// step so the caller can continue again; every other failure past the entry
// guards is recorded and moves the session to failed.
func (o *Orchestrator) Continue(ctx context.Context, sessionID uuid.UUID, deployToken string) (registry.ContinueResult, error) {
	session, err := o.store.GetByID(ctx, sessionID)
	if err != nil {
		return registry.ContinueResult{}, err
	}

	if session.Step == registry.StepCompleted {
		return resultOf(session), nil
	}
	if session.Step.Terminal() {
		return registry.ContinueResult{}, registry.ErrSessionTerminal
	}
	if session.Expired(o.now()) {
		return registry.ContinueResult{}, registry.ErrSessionExpired
	}

	result, err := o.run(ctx, session, deployToken)
	if err != nil {
		o.recordFailure(ctx, session.ID, err)
		return registry.ContinueResult{}, err
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, session registry.Session, deployToken string) (registry.ContinueResult, error) {
	key, err := o.vault.DecryptKey(session.SessionOwnerKeyEnc)
	if err != nil {
		return registry.ContinueResult{}, fmt.Errorf("decrypt session key: %w", err)
	}
	if derived := ethcrypto.PubkeyToAddress(key.PublicKey); derived != session.SessionOwner {
		return registry.ContinueResult{}, fmt.Errorf("decrypted key resolves to %s, session owner is %s", derived, session.SessionOwner)
	}

	ownerIndex, err := o.findOwnerIndex(ctx, session.SmartWallet, session.SessionOwner)
	if err != nil {
		return registry.ContinueResult{}, err
	}

	phases, err := o.remainingPhases(session, ownerIndex)
	if err != nil {
		return registry.ContinueResult{}, err
	}

	acct := bundler.Account{SmartWallet: session.SmartWallet, OwnerIndex: ownerIndex}
	sign := signWithKey(key)

	current := session
	for _, ph := range phases {
		current, err = o.advance(ctx, session.ID, ph.sent, registry.UpdateSession{Step: stepRef(ph.sent)})
		if err != nil {
			return registry.ContinueResult{}, err
		}

		handle, err := o.bundler.Submit(ctx, deployToken, acct, ph.calls, sign)
		if err != nil {
			return registry.ContinueResult{}, fmt.Errorf("%w: submit %s batch: %v", registry.ErrTransaction, ph.sent, err)
		}
		// Persist the operation hash while the receipt is pending so a
		// resumed invocation and the operators can find it.
		if _, uerr := o.store.Update(ctx, session.ID, registry.UpdateSession{LastUserOpHash: strRef(handle.UserOpHash.Hex())}); uerr != nil {
			log.Warn().Err(uerr).Stringer("session", session.ID).Msg("persist user op hash")
		}

		receipt, err := o.bundler.AwaitReceipt(ctx, deployToken, handle)
		if err != nil {
			return registry.ContinueResult{}, fmt.Errorf("%w: await %s receipt: %v", registry.ErrTransaction, ph.sent, err)
		}
		if !receipt.Success {
			return registry.ContinueResult{}, fmt.Errorf("%w: %s operation %s reverted in tx %s",
				registry.ErrTransaction, ph.sent, receipt.UserOpHash, receipt.TxHash)
		}

		current, err = o.advance(ctx, session.ID, ph.confirmed, registry.UpdateSession{
			Step:           stepRef(ph.confirmed),
			LastUserOpHash: strRef(receipt.UserOpHash.Hex()),
			LastTxHash:     strRef(receipt.TxHash.Hex()),
			LastError:      strRef(""),
		})
		if err != nil {
			return registry.ContinueResult{}, err
		}
	}

	if current.Step != registry.StepCompleted {
		current, err = o.advance(ctx, session.ID, registry.StepCompleted, registry.UpdateSession{Step: stepRef(registry.StepCompleted)})
		if err != nil {
			return registry.ContinueResult{}, err
		}
	}
	o.publish(ctx, subjectCompleted, current, actionCompleted)

	return resultOf(current), nil
}

// remainingPhases derives the batches that still have to run from the
// persisted step. The cleanup call that revokes the delegated owner is
// appended to the last pending batch; when every phase is already
// confirmed the revocation goes out as its own cleanup-only batch.
func (o *Orchestrator) remainingPhases(session registry.Session, ownerIndex uint64) ([]phase, error) {
	phase2, err := session.PhaseCalls(registry.PayloadPhase2Calls)
	if err != nil {
		return nil, err
	}
	phase3, err := session.PhaseCalls(registry.PayloadPhase3Calls)
	if err != nil {
		return nil, err
	}

	cleanup, err := cleanupCall(session.SmartWallet, ownerIndex, session.SessionOwner)
	if err != nil {
		return nil, err
	}

	var phases []phase
	if !session.Step.Confirmed(registry.StepPhase2Confirmed) {
		phases = append(phases, phase{sent: registry.StepPhase2Sent, confirmed: registry.StepPhase2Confirmed, calls: phase2})
	}
	if len(phase3) > 0 && !session.Step.Confirmed(registry.StepPhase3Confirmed) {
		phases = append(phases, phase{sent: registry.StepPhase3Sent, confirmed: registry.StepPhase3Confirmed, calls: phase3})
	}

	if len(phases) == 0 {
		return []phase{{sent: registry.StepCleanupSent, confirmed: registry.StepCompleted, calls: []bundler.Call{cleanup}}}, nil
	}
	last := &phases[len(phases)-1]
	last.calls = append(append([]bundler.Call{}, last.calls...), cleanup)
	return phases, nil
}

// Cancel moves a live session into the absorbing cancelled state. The
// delegated owner stays installed; Cleanup removes it separately.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID uuid.UUID) (registry.ContinueResult, error) {
	session, err := o.store.GetByID(ctx, sessionID)
	if err != nil {
		return registry.ContinueResult{}, err
	}
	if session.Step.Terminal() {
		return registry.ContinueResult{}, registry.ErrSessionTerminal
	}

	updated, err := o.store.Update(ctx, sessionID, registry.UpdateSession{Step: stepRef(registry.StepCancelled)})
	if err != nil {
		return registry.ContinueResult{}, err
	}
	o.publish(ctx, subjectUpdated, updated, actionCancelled)
	return resultOf(updated), nil
}

// Cleanup removes the delegated owner from the smart wallet for a session
// that will not finish normally, including failed and expired ones. The
// stored step never regresses: terminal sessions only get their diagnostics
// updated, a still-live session is cancelled once the owner is gone.
func (o *Orchestrator) Cleanup(ctx context.Context, sessionID uuid.UUID, deployToken string) (registry.ContinueResult, error) {
	session, err := o.store.GetByID(ctx, sessionID)
	if err != nil {
		return registry.ContinueResult{}, err
	}

	key, err := o.vault.DecryptKey(session.SessionOwnerKeyEnc)
	if err != nil {
		return registry.ContinueResult{}, fmt.Errorf("decrypt session key: %w", err)
	}

	ownerIndex, err := o.findOwnerIndex(ctx, session.SmartWallet, session.SessionOwner)
	switch {
	case errors.Is(err, registry.ErrOwnerNotInstalled):
		// Nothing to revoke on-chain; just settle the row.
		return o.settleCleanup(ctx, session, registry.UpdateSession{
			PayloadPatch: map[string]any{"cleanup": "owner_absent"},
		})
	case err != nil:
		return registry.ContinueResult{}, err
	}

	cleanup, err := cleanupCall(session.SmartWallet, ownerIndex, session.SessionOwner)
	if err != nil {
		return registry.ContinueResult{}, err
	}

	acct := bundler.Account{SmartWallet: session.SmartWallet, OwnerIndex: ownerIndex}
	handle, err := o.bundler.Submit(ctx, deployToken, acct, []bundler.Call{cleanup}, signWithKey(key))
	if err != nil {
		return registry.ContinueResult{}, fmt.Errorf("%w: submit cleanup batch: %v", registry.ErrTransaction, err)
	}
	receipt, err := o.bundler.AwaitReceipt(ctx, deployToken, handle)
	if err != nil {
		return registry.ContinueResult{}, fmt.Errorf("%w: await cleanup receipt: %v", registry.ErrTransaction, err)
	}
	if !receipt.Success {
		return registry.ContinueResult{}, fmt.Errorf("%w: cleanup operation %s reverted in tx %s",
			registry.ErrTransaction, receipt.UserOpHash, receipt.TxHash)
	}

	return o.settleCleanup(ctx, session, registry.UpdateSession{
		LastUserOpHash: strRef(receipt.UserOpHash.Hex()),
		LastTxHash:     strRef(receipt.TxHash.Hex()),
		PayloadPatch:   map[string]any{"cleanup": "owner_removed"},
	})
}

func (o *Orchestrator) settleCleanup(ctx context.Context, session registry.Session, upd registry.UpdateSession) (registry.ContinueResult, error) {
	if !session.Step.Terminal() {
		upd.Step = stepRef(registry.StepCancelled)
	}
	updated, err := o.store.Update(ctx, session.ID, upd)
	if err != nil {
		return registry.ContinueResult{}, err
	}
	o.publish(ctx, subjectUpdated, updated, actionCleanup)
	return resultOf(updated), nil
}

// advance persists a step transition and announces it.
func (o *Orchestrator) advance(ctx context.Context, id uuid.UUID, step registry.Step, upd registry.UpdateSession) (registry.Session, error) {
	updated, err := o.store.Update(ctx, id, upd)
	if err != nil {
		return registry.Session{}, fmt.Errorf("persist step %s: %w", step, err)
	}
	o.publish(ctx, subjectUpdated, updated, actionStepAdvanced)
	return updated, nil
}

// recordFailure writes the failure into the session diagnostics, best
// effort. Transaction errors keep the current step so the session stays
// resumable; everything else is absorbed into failed.
func (o *Orchestrator) recordFailure(ctx context.Context, id uuid.UUID, cause error) {
	upd := registry.UpdateSession{LastError: strRef(cause.Error())}
	terminal := !errors.Is(cause, registry.ErrTransaction)
	if terminal {
		upd.Step = stepRef(registry.StepFailed)
	}

	updated, err := o.store.Update(ctx, id, upd)
	if err != nil {
		log.Warn().Err(err).Stringer("session", id).Msg("record session failure")
		return
	}
	if terminal {
		o.publish(ctx, subjectFailed, updated, actionFailed)
	}
}

func signWithKey(key *ecdsa.PrivateKey) bundler.SignFunc {
	return func(digest common.Hash) ([]byte, error) {
		sig, err := ethcrypto.Sign(digest.Bytes(), key)
		if err != nil {
			return nil, err
		}
		// Bundlers expect the legacy 27/28 recovery id.
		sig[64] += 27
		return sig, nil
	}
}

func resultOf(s registry.Session) registry.ContinueResult {
	return registry.ContinueResult{
		ID:             s.ID,
		Step:           s.Step,
		LastTxHash:     s.LastTxHash,
		LastUserOpHash: s.LastUserOpHash,
	}
}

func stepRef(s registry.Step) *registry.Step { return &s }

func strRef(s string) *string { return &s }
