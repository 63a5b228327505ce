// Package ethsig verifies wallet signatures for both key pairs and smart
// contract wallets. Externally owned accounts are checked by ECDSA
// recovery over the EIP-191 personal-sign digest; contract wallets are
// asked on-chain via EIP-1271 isValidSignature.
package ethsig

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformedSignature is returned when the signature bytes are empty or
// too short to belong to any supported scheme.
var ErrMalformedSignature = errors.New("ethsig: malformed signature")

// eip1271Magic is the bytes4 value a contract wallet returns from
// isValidSignature when the signature is good. It equals the function's own
// selector.
var eip1271Magic = [4]byte{0x16, 0x26, 0xba, 0x7e}

// ChainReader is the read-only chain access verification needs.
// *evmrpc.Client satisfies it.
type ChainReader interface {
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

var isValidSignatureArgs abi.Arguments

func init() {
	bytes32T, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}
	bytesT, err := abi.NewType("bytes", "", nil)
	if err != nil {
		panic(err)
	}
	isValidSignatureArgs = abi.Arguments{{Type: bytes32T}, {Type: bytesT}}
}

// Verifier checks wallet signatures over personal-sign messages.
type Verifier struct {
	chain ChainReader
}

// NewVerifier returns a Verifier backed by the given chain reader.
func NewVerifier(chain ChainReader) *Verifier {
	return &Verifier{chain: chain}
}

// VerifyWalletSignature reports whether sig is a valid signature by wallet
// over message. The EOA recovery path is tried first and needs no chain
// access; only when it does not match is the wallet checked for contract
// code and asked via EIP-1271.
//
// A (false, nil) return means the signature is well-formed but wrong, or
// the wallet has no code and is not the recovered signer. An error is
// returned only for malformed input or when the chain could not be asked.
func (v *Verifier) VerifyWalletSignature(ctx context.Context, wallet common.Address, message, sig []byte) (bool, error) {
	if len(sig) == 0 {
		return false, ErrMalformedSignature
	}

	digest := accounts.TextHash(message)

	if len(sig) == crypto.SignatureLength {
		if recovered, err := recoverAddress(digest, sig); err == nil && recovered == wallet {
			return true, nil
		}
	}

	code, err := v.chain.CodeAt(ctx, wallet)
	if err != nil {
		return false, fmt.Errorf("ethsig: code lookup for %s: %w", wallet, err)
	}
	if len(code) == 0 {
		return false, nil
	}

	return v.callIsValidSignature(ctx, wallet, digest, sig)
}

// recoverAddress runs ECDSA public key recovery over a 65-byte [R||S||V]
// signature, accepting both v in {0,1} and the legacy {27,28} encoding.
func recoverAddress(digest []byte, sig []byte) (common.Address, error) {
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, ErrMalformedSignature
	}
	pubKey, err := crypto.Ecrecover(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("ethsig: recover: %w", err)
	}
	return common.BytesToAddress(crypto.Keccak256(pubKey[1:])[12:]), nil
}

func (v *Verifier) callIsValidSignature(ctx context.Context, wallet common.Address, digest []byte, sig []byte) (bool, error) {
	var hash [32]byte
	copy(hash[:], digest)
	packed, err := isValidSignatureArgs.Pack(hash, sig)
	if err != nil {
		return false, fmt.Errorf("ethsig: pack isValidSignature: %w", err)
	}
	calldata := append(eip1271Magic[:], packed...)

	ret, err := v.chain.CallContract(ctx, wallet, calldata)
	if err != nil {
		return false, fmt.Errorf("ethsig: isValidSignature call to %s: %w", wallet, err)
	}
	// Contracts return bytes4 left-aligned in one 32-byte word. Reverting
	// wallets surface as call errors above; a short or wrong return value
	// is a plain rejection.
	if len(ret) < 4 {
		return false, nil
	}
	return bytes.Equal(ret[:4], eip1271Magic[:]), nil
}
