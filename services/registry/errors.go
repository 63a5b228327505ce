package registry

import (
	"errors"
	"net/http"
)

// Sentinel errors for the session and nonce stores plus the orchestration
// flow. Handlers switch on these to pick a response status; anything
// unrecognized is an internal error.
var (
	// ErrSessionNotFound is returned by lookups for ids or token hashes
	// with no matching row.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateToken is returned by Create when the token hash is
	// already taken.
	ErrDuplicateToken = errors.New("deploy token already in use")

	// ErrStepRegression is returned by Update when the requested step is
	// ranked below the persisted one.
	ErrStepRegression = errors.New("step regression rejected")

	// ErrSessionTerminal is returned when an operation needs a live
	// session but the stored one is cancelled, failed, or completed.
	ErrSessionTerminal = errors.New("session is in a terminal state")

	// ErrSessionExpired is returned when the session's expiry has passed.
	ErrSessionExpired = errors.New("session expired")

	// ErrNonceInvalid covers every consume failure: unknown tuple, already
	// used, or expired. Callers get no distinction by design.
	ErrNonceInvalid = errors.New("nonce invalid, used, or expired")

	// ErrWalletMismatch is returned when the signed message names a
	// different wallet than the request.
	ErrWalletMismatch = errors.New("wallet_mismatch: message wallet does not match request")

	// ErrVaultMismatch is returned when the signed message names a
	// different vault than the request.
	ErrVaultMismatch = errors.New("vault_mismatch: message vault does not match request")

	// ErrMessageExpired is returned when the expiry embedded in the signed
	// message has passed, independent of the nonce row.
	ErrMessageExpired = errors.New("signed message expired")

	// ErrBadSignature is returned when signature verification completed
	// and rejected the signature.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrOwnerNotInstalled is returned when the delegated session owner is
	// not among the smart wallet's scanned owners.
	ErrOwnerNotInstalled = errors.New("session owner not installed on wallet")

	// ErrUnauthorized is returned when the deploy token pair does not
	// authenticate the request for the session.
	ErrUnauthorized = errors.New("deploy token rejected")

	// ErrValidation wraps malformed request input.
	ErrValidation = errors.New("invalid request")

	// ErrTransaction wraps bundler submission and receipt failures. The
	// session stays resumable; the caller retries by continuing again.
	ErrTransaction = errors.New("transaction submission failed")
)

// statusForError maps the error taxonomy onto HTTP statuses:
// authentication 401, validation 400, state conflicts 409, transaction
// failures 502, everything else 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateToken),
		errors.Is(err, ErrStepRegression),
		errors.Is(err, ErrSessionTerminal),
		errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrNonceInvalid),
		errors.Is(err, ErrWalletMismatch),
		errors.Is(err, ErrVaultMismatch),
		errors.Is(err, ErrMessageExpired),
		errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrOwnerNotInstalled):
		return http.StatusConflict
	case errors.Is(err, ErrTransaction):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
