package ethsig

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeChain struct {
	code    []byte
	codeErr error
	callRet []byte
	callErr error

	codeCalls int
	callCalls int
	calldata  []byte
}

func (f *fakeChain) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	f.codeCalls++
	return f.code, f.codeErr
}

func (f *fakeChain) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	f.callCalls++
	f.calldata = data
	return f.callRet, f.callErr
}

func signPersonal(t *testing.T, message []byte) (common.Address, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey), sig
}

func TestVerifyEOASignature(t *testing.T) {
	message := []byte("Join vault deployment session")
	wallet, sig := signPersonal(t, message)

	chain := &fakeChain{}
	v := NewVerifier(chain)

	ok, err := v.VerifyWalletSignature(context.Background(), wallet, message, sig)
	if err != nil {
		t.Fatalf("VerifyWalletSignature() error = %v", err)
	}
	if !ok {
		t.Fatal("valid EOA signature rejected")
	}
	if chain.codeCalls != 0 || chain.callCalls != 0 {
		t.Fatalf("EOA path touched the chain: %d code calls, %d contract calls", chain.codeCalls, chain.callCalls)
	}
}

func TestVerifyEOASignatureLegacyV(t *testing.T) {
	message := []byte("Join vault deployment session")
	wallet, sig := signPersonal(t, message)
	sig[64] += 27

	v := NewVerifier(&fakeChain{})
	ok, err := v.VerifyWalletSignature(context.Background(), wallet, message, sig)
	if err != nil {
		t.Fatalf("VerifyWalletSignature() error = %v", err)
	}
	if !ok {
		t.Fatal("valid signature with v in {27,28} rejected")
	}
}

func TestVerifyRejectsChangedMessage(t *testing.T) {
	wallet, sig := signPersonal(t, []byte("Join vault deployment session"))

	chain := &fakeChain{}
	v := NewVerifier(chain)

	ok, err := v.VerifyWalletSignature(context.Background(), wallet, []byte("Join vault deployment sessioN"), sig)
	if err != nil {
		t.Fatalf("VerifyWalletSignature() error = %v", err)
	}
	if ok {
		t.Fatal("signature over a different message accepted")
	}
	if chain.codeCalls != 1 {
		t.Fatalf("code lookup calls = %d, want 1", chain.codeCalls)
	}
}

func TestVerifyEmptySignature(t *testing.T) {
	v := NewVerifier(&fakeChain{})
	_, err := v.VerifyWalletSignature(context.Background(), common.Address{}, []byte("m"), nil)
	if !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("error = %v, want ErrMalformedSignature", err)
	}
}

func TestVerifyContractWallet(t *testing.T) {
	message := []byte("Join vault deployment session")
	wallet := common.HexToAddress("0x4444444444444444444444444444444444444444")
	sig := make([]byte, 100) // wrapped smart-wallet signature, not 65 bytes

	magic := make([]byte, 32)
	copy(magic, eip1271Magic[:])

	tests := []struct {
		name string
		ret  []byte
		want bool
	}{
		{name: "magic value returned", ret: magic, want: true},
		{name: "zero word returned", ret: make([]byte, 32), want: false},
		{name: "short return", ret: []byte{0x16}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &fakeChain{code: []byte{0x60, 0x01}, callRet: tt.ret}
			v := NewVerifier(chain)

			ok, err := v.VerifyWalletSignature(context.Background(), wallet, message, sig)
			if err != nil {
				t.Fatalf("VerifyWalletSignature() error = %v", err)
			}
			if ok != tt.want {
				t.Fatalf("VerifyWalletSignature() = %v, want %v", ok, tt.want)
			}
			if len(chain.calldata) < 4 || !bytes.Equal(chain.calldata[:4], eip1271Magic[:]) {
				t.Fatalf("calldata selector = %x, want %x", chain.calldata[:4], eip1271Magic)
			}
		})
	}
}

func TestVerifyNoCodeNoMatch(t *testing.T) {
	wallet := common.HexToAddress("0x4444444444444444444444444444444444444444")
	chain := &fakeChain{}
	v := NewVerifier(chain)

	ok, err := v.VerifyWalletSignature(context.Background(), wallet, []byte("m"), make([]byte, 65))
	if err != nil {
		t.Fatalf("VerifyWalletSignature() error = %v", err)
	}
	if ok {
		t.Fatal("accepted signature for codeless wallet that is not the signer")
	}
	if chain.callCalls != 0 {
		t.Fatal("EIP-1271 call attempted against codeless wallet")
	}
}

func TestVerifyChainErrorPropagates(t *testing.T) {
	wallet := common.HexToAddress("0x4444444444444444444444444444444444444444")
	chain := &fakeChain{codeErr: errors.New("all endpoints failed")}
	v := NewVerifier(chain)

	if _, err := v.VerifyWalletSignature(context.Background(), wallet, []byte("m"), make([]byte, 65)); err == nil {
		t.Fatal("chain failure did not surface as an error")
	}
}

