package registry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"eagled/pkg/deploytoken"
	"eagled/pkg/joinmsg"
	"eagled/services/bundler"
)

type createSessionRequest struct {
	WalletAddress string               `json:"walletAddress"`
	VaultAddress  string               `json:"vaultAddress"`
	Message       string               `json:"message"`
	Signature     string               `json:"signature"`
	Payload       createSessionPayload `json:"payload"`
	TTLSeconds    int64                `json:"ttlSeconds,omitempty"`
}

type createSessionPayload struct {
	Phase2Calls []bundler.Call `json:"phase2Calls"`
	Phase3Calls []bundler.Call `json:"phase3Calls,omitempty"`
}

type createSessionResponse struct {
	ID           uuid.UUID `json:"id"`
	SessionOwner string    `json:"sessionOwner"`
	DeployToken  string    `json:"deployToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// handleCreateSession establishes a deployment session. Verification order
// is fixed: parse the signed message, check it names the requested wallet
// and vault, check its embedded expiry, consume the nonce atomically, and
// only then do the (potentially chain-backed) signature verification.
// Nothing is persisted until every check passes.
func (rg *Registry) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	wallet, vault, err := parseAddressPair(req.WalletAddress, req.VaultAddress)
	if err != nil {
		respondError(w, err)
		return
	}
	if req.Message == "" {
		respondError(w, fmt.Errorf("%w: message is required", ErrValidation))
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, fmt.Errorf("%w: signature is not hex: %v", ErrValidation, err))
		return
	}
	if len(req.Payload.Phase2Calls) == 0 {
		respondError(w, fmt.Errorf("%w: payload.phase2Calls is required", ErrValidation))
		return
	}

	msg, err := joinmsg.Parse(req.Message)
	if err != nil {
		respondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	if msg.Wallet != wallet {
		respondError(w, ErrWalletMismatch)
		return
	}
	if msg.Vault != vault {
		respondError(w, ErrVaultMismatch)
		return
	}
	// The expiry embedded in the signed text is checked on top of the
	// nonce row's own expiry.
	if rg.now().After(msg.ExpiresAt) {
		respondError(w, ErrMessageExpired)
		return
	}

	if err := rg.nonces.Consume(r.Context(), PurposeVaultJoin, wallet, vault, msg.Nonce); err != nil {
		metricNoncesRejected.Inc()
		respondError(w, err)
		return
	}

	ok, err := rg.verifier.VerifyWalletSignature(r.Context(), wallet, []byte(req.Message), sig)
	if err != nil {
		respondError(w, fmt.Errorf("%w: signature verification: %v", ErrTransaction, err))
		return
	}
	if !ok {
		respondError(w, ErrBadSignature)
		return
	}

	key, err := rg.newKey()
	if err != nil {
		respondError(w, err)
		return
	}
	keyEnc, err := rg.vault.EncryptKey(key)
	if err != nil {
		respondError(w, err)
		return
	}
	sessionOwner := ethcrypto.PubkeyToAddress(key.PublicKey)

	token, err := deploytoken.New()
	if err != nil {
		respondError(w, err)
		return
	}

	ttl := rg.cfg.SessionTTL
	if req.TTLSeconds > 0 {
		if requested := time.Duration(req.TTLSeconds) * time.Second; requested < ttl {
			ttl = requested
		}
	}

	payload := map[string]any{PayloadPhase2Calls: req.Payload.Phase2Calls}
	if len(req.Payload.Phase3Calls) > 0 {
		payload[PayloadPhase3Calls] = req.Payload.Phase3Calls
	}

	session, err := rg.sessions.Create(r.Context(), Session{
		TokenHash:          deploytoken.Hash(token),
		SessionAddress:     wallet,
		SmartWallet:        vault,
		SessionOwner:       sessionOwner,
		SessionOwnerKeyEnc: keyEnc,
		Payload:            payload,
		Step:               StepCreated,
		ExpiresAt:          rg.now().Add(ttl).UTC(),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	metricSessionsCreated.Inc()

	log.Info().
		Stringer("session", session.ID).
		Str("wallet", wallet.Hex()).
		Str("vault", vault.Hex()).
		Str("token_hash", session.TokenHash[:8]).
		Msg("session established")

	// The raw token leaves the server exactly once, here.
	respondData(w, http.StatusCreated, createSessionResponse{
		ID:           session.ID,
		SessionOwner: sessionOwner.Hex(),
		DeployToken:  token,
		ExpiresAt:    session.ExpiresAt,
	})
}

type sessionView struct {
	ID             uuid.UUID `json:"id"`
	SessionAddress string    `json:"sessionAddress"`
	SmartWallet    string    `json:"smartWallet"`
	SessionOwner   string    `json:"sessionOwner"`
	Step           Step      `json:"step"`
	LastError      string    `json:"lastError,omitempty"`
	LastUserOpHash string    `json:"lastUserOpHash,omitempty"`
	LastTxHash     string    `json:"lastTxHash,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func viewOf(s Session) sessionView {
	return sessionView{
		ID:             s.ID,
		SessionAddress: s.SessionAddress.Hex(),
		SmartWallet:    s.SmartWallet.Hex(),
		SessionOwner:   s.SessionOwner.Hex(),
		Step:           s.Step,
		LastError:      s.LastError,
		LastUserOpHash: s.LastUserOpHash,
		LastTxHash:     s.LastTxHash,
		ExpiresAt:      s.ExpiresAt,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// handleGetSession returns the diagnostics view of a session. Neither the
// encrypted key nor the token hash leave the store.
func (rg *Registry) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, fmt.Errorf("%w: malformed session id", ErrValidation))
		return
	}
	session, err := rg.sessions.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, viewOf(session))
}

type sessionIDRequest struct {
	SessionID string `json:"sessionId"`
}

// authenticateSession checks the deploy-token header pair against the
// server HMAC secret and the session's stored token hash, returning the raw
// token for downstream bundler authentication.
func (rg *Registry) authenticateSession(r *http.Request, session Session) (string, error) {
	token := r.Header.Get(deploytoken.TokenHeader)
	signature := r.Header.Get(deploytoken.SignatureHeader)
	if token == "" || signature == "" {
		return "", fmt.Errorf("%w: missing deploy token headers", ErrUnauthorized)
	}
	if !deploytoken.Verify(rg.cfg.HMACSecret, token, signature) {
		return "", fmt.Errorf("%w: bad token signature", ErrUnauthorized)
	}
	if deploytoken.Hash(token) != session.TokenHash {
		return "", fmt.Errorf("%w: token does not match session", ErrUnauthorized)
	}
	return token, nil
}

func (rg *Registry) loadForRequest(w http.ResponseWriter, r *http.Request) (Session, string, bool) {
	var req sessionIDRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return Session{}, "", false
	}
	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		respondError(w, fmt.Errorf("%w: malformed sessionId", ErrValidation))
		return Session{}, "", false
	}
	session, err := rg.sessions.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return Session{}, "", false
	}
	token, err := rg.authenticateSession(r, session)
	if err != nil {
		respondError(w, err)
		return Session{}, "", false
	}
	return session, token, true
}

// handleContinueSession resumes orchestration for the session named in the
// body, authenticated by the deploy-token header pair.
func (rg *Registry) handleContinueSession(w http.ResponseWriter, r *http.Request) {
	session, token, ok := rg.loadForRequest(w, r)
	if !ok {
		metricContinueRequests.WithLabelValues("rejected").Inc()
		return
	}

	result, err := rg.cont.Continue(r.Context(), session.ID, token)
	if err != nil {
		metricContinueRequests.WithLabelValues("error").Inc()
		respondError(w, err)
		return
	}
	metricContinueRequests.WithLabelValues("ok").Inc()
	respondData(w, http.StatusOK, result)
}

// handleCancelSession moves a live session into cancelled.
func (rg *Registry) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	session, _, ok := rg.loadForRequest(w, r)
	if !ok {
		return
	}
	result, err := rg.cont.Cancel(r.Context(), session.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, result)
}

type cleanupRequest struct {
	WalletAddress string `json:"walletAddress"`
	VaultAddress  string `json:"vaultAddress"`
}

// handleCleanupSession removes the delegated owner for the pair's most
// recent session, including failed and expired ones that normal
// continuation would refuse to touch.
func (rg *Registry) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	wallet, vault, err := parseAddressPair(req.WalletAddress, req.VaultAddress)
	if err != nil {
		respondError(w, err)
		return
	}

	session, err := rg.sessions.ActiveForSender(r.Context(), wallet, vault, ActiveFilter{
		IncludeExpired: true,
		IncludeFailed:  true,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	token, err := rg.authenticateSession(r, session)
	if err != nil {
		respondError(w, err)
		return
	}

	result, err := rg.cont.Cleanup(r.Context(), session.ID, token)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, result)
}
