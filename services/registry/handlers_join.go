package registry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"eagled/pkg/joinmsg"
)

type joinNonceRequest struct {
	WalletAddress string `json:"walletAddress"`
	VaultAddress  string `json:"vaultAddress"`
}

type joinNonceResponse struct {
	Message   string    `json:"message"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleJoinNonce issues (or idempotently re-issues) the join nonce for a
// wallet/vault pair and returns the exact message text the wallet must
// sign. Re-requesting before expiry returns the same nonce and message.
func (rg *Registry) handleJoinNonce(w http.ResponseWriter, r *http.Request) {
	var req joinNonceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	wallet, vault, err := parseAddressPair(req.WalletAddress, req.VaultAddress)
	if err != nil {
		respondError(w, err)
		return
	}

	nonce, err := rg.nonces.Issue(r.Context(), PurposeVaultJoin, wallet, vault)
	if err != nil {
		respondError(w, err)
		return
	}
	metricNoncesIssued.Inc()

	message, err := joinmsg.Render(rg.renderer, joinmsg.Message{
		Wallet:    wallet,
		Vault:     vault,
		Nonce:     nonce.Nonce,
		IssuedAt:  nonce.IssuedAt,
		ExpiresAt: nonce.ExpiresAt,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	respondData(w, http.StatusOK, joinNonceResponse{
		Message:   message,
		Nonce:     nonce.Nonce,
		IssuedAt:  nonce.IssuedAt,
		ExpiresAt: nonce.ExpiresAt,
	})
}

// parseAddressPair validates the wallet/vault request fields.
func parseAddressPair(walletAddress, vaultAddress string) (common.Address, common.Address, error) {
	if !common.IsHexAddress(walletAddress) {
		return common.Address{}, common.Address{}, fmt.Errorf("%w: walletAddress %q is not an address", ErrValidation, walletAddress)
	}
	if !common.IsHexAddress(vaultAddress) {
		return common.Address{}, common.Address{}, fmt.Errorf("%w: vaultAddress %q is not an address", ErrValidation, vaultAddress)
	}
	return common.HexToAddress(walletAddress), common.HexToAddress(vaultAddress), nil
}
