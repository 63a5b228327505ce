package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"eagled/services/bundler"
	"eagled/services/registry"
)

// Smart wallet owner-registry entry points. Owners are stored as ABI-encoded
// bytes: a plain address owner occupies one left-padded 32-byte word.
var (
	ownerAtIndexSelector       = crypto.Keccak256([]byte("ownerAtIndex(uint256)"))[:4]
	removeOwnerAtIndexSelector = crypto.Keccak256([]byte("removeOwnerAtIndex(uint256,bytes)"))[:4]

	uint256Args      abi.Arguments
	uint256BytesArgs abi.Arguments
	bytesArgs        abi.Arguments
)

func init() {
	uint256T, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	bytesT, err := abi.NewType("bytes", "", nil)
	if err != nil {
		panic(err)
	}
	uint256Args = abi.Arguments{{Type: uint256T}}
	uint256BytesArgs = abi.Arguments{{Type: uint256T}, {Type: bytesT}}
	bytesArgs = abi.Arguments{{Type: bytesT}}
}

// ownerBytes is the wallet's stored representation of an address owner.
func ownerBytes(owner common.Address) []byte {
	return common.LeftPadBytes(owner.Bytes(), 32)
}

// findOwnerIndex scans the first limit owner slots of the smart wallet for
// the delegated owner and returns its index. The session owner is installed
// late in a wallet's life, so a small prefix is enough; a full enumeration
// would cost one RPC round trip per slot for no benefit.
func (o *Orchestrator) findOwnerIndex(ctx context.Context, smartWallet, owner common.Address) (uint64, error) {
	want := ownerBytes(owner)
	for i := uint64(0); i < o.ownerScanLimit; i++ {
		packed, err := uint256Args.Pack(new(big.Int).SetUint64(i))
		if err != nil {
			return 0, fmt.Errorf("orchestrator: pack ownerAtIndex: %w", err)
		}
		ret, err := o.chain.CallContract(ctx, smartWallet, append(append([]byte{}, ownerAtIndexSelector...), packed...))
		if err != nil {
			// RPC exhaustion is transient: surface it without failing the
			// session so a later continue can rescan.
			return 0, fmt.Errorf("%w: ownerAtIndex(%d) on %s: %v", registry.ErrTransaction, i, smartWallet, err)
		}
		stored, err := unpackBytes(ret)
		if err != nil {
			// Slots past the installed owner count return empty or
			// malformed data on some wallet versions; keep scanning.
			continue
		}
		if bytes.Equal(stored, want) {
			return i, nil
		}
	}
	return 0, registry.ErrOwnerNotInstalled
}

func unpackBytes(ret []byte) ([]byte, error) {
	values, err := bytesArgs.Unpack(ret)
	if err != nil {
		return nil, err
	}
	stored, ok := values[0].([]byte)
	if !ok {
		return nil, errors.New("orchestrator: unexpected ownerAtIndex return type")
	}
	return stored, nil
}

// cleanupCall builds the removeOwnerAtIndex call that revokes the delegated
// owner. It is appended to the last batch that still has to run so the
// revocation never costs a separate submission.
func cleanupCall(smartWallet common.Address, ownerIndex uint64, owner common.Address) (bundler.Call, error) {
	packed, err := uint256BytesArgs.Pack(new(big.Int).SetUint64(ownerIndex), ownerBytes(owner))
	if err != nil {
		return bundler.Call{}, fmt.Errorf("orchestrator: pack removeOwnerAtIndex: %w", err)
	}
	return bundler.Call{
		To:   smartWallet,
		Data: hexutil.Bytes(append(append([]byte{}, removeOwnerAtIndexSelector...), packed...)),
	}, nil
}
