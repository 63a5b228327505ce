package bundler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eagled/pkg/deploytoken"
)

const testToken = "4ea9c6c0ffee"

var testSecret = []byte("bundler-proxy-shared-secret-0123")

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(srv.URL, testSecret, opts...)
	require.NoError(t, err)
	return client, srv
}

func requireAuthPair(t *testing.T, r *http.Request) {
	t.Helper()
	token := r.Header.Get(deploytoken.TokenHeader)
	sig := r.Header.Get(deploytoken.SignatureHeader)
	require.Equal(t, testToken, token)
	require.True(t, deploytoken.Verify(testSecret, token, sig), "header pair must verify under the shared secret")
}

func TestSubmitSignsPreparedDigest(t *testing.T) {
	opHash := common.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000000001")
	var submitted submitRequest

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/userops/prepare", func(w http.ResponseWriter, r *http.Request) {
		requireAuthPair(t, r)
		var req prepareRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Calls, 2)
		require.Equal(t, uint64(3), req.OwnerIndex)
		_ = json.NewEncoder(w).Encode(prepareResponse{UserOpHash: opHash})
	})
	mux.HandleFunc("POST /v1/userops/submit", func(w http.ResponseWriter, r *http.Request) {
		requireAuthPair(t, r)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
		w.WriteHeader(http.StatusOK)
	})

	client, _ := newTestClient(t, mux)

	var signedDigest common.Hash
	sign := func(digest common.Hash) ([]byte, error) {
		signedDigest = digest
		return make([]byte, 65), nil
	}

	calls := []Call{
		{To: common.HexToAddress("0x1111111111111111111111111111111111111111")},
		{To: common.HexToAddress("0x2222222222222222222222222222222222222222")},
	}
	handle, err := client.Submit(context.Background(), testToken, Account{OwnerIndex: 3}, calls, sign)
	require.NoError(t, err)

	assert.Equal(t, opHash, handle.UserOpHash)
	assert.Equal(t, opHash, signedDigest, "the prepared digest is what gets signed")
	assert.Equal(t, opHash, submitted.UserOpHash)

	wrapped, err := WrapSignature(3, make([]byte, 65))
	require.NoError(t, err)
	assert.Equal(t, wrapped, []byte(submitted.Signature), "signature is ABI-wrapped with the owner index")
}

func TestSubmitRejectsEmptyBatch(t *testing.T) {
	client, _ := newTestClient(t, http.NewServeMux())
	_, err := client.Submit(context.Background(), testToken, Account{}, nil, func(common.Hash) ([]byte, error) {
		return make([]byte, 65), nil
	})
	require.Error(t, err)
}

func TestSubmitSurfacesProxyRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/userops/prepare", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "paymaster out of funds", http.StatusServiceUnavailable)
	})
	client, _ := newTestClient(t, mux)

	_, err := client.Submit(context.Background(), testToken, Account{}, []Call{{}}, func(common.Hash) ([]byte, error) {
		return make([]byte, 65), nil
	})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "paymaster out of funds")
}

func TestAwaitReceiptPollsUntilAvailable(t *testing.T) {
	opHash := common.HexToHash("0xbbbb000000000000000000000000000000000000000000000000000000000002")
	txHash := common.HexToHash("0xcccc000000000000000000000000000000000000000000000000000000000003")

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/userops/{hash}/receipt", func(w http.ResponseWriter, r *http.Request) {
		requireAuthPair(t, r)
		if polls.Add(1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(Receipt{UserOpHash: opHash, TxHash: txHash, Success: true})
	})

	client, _ := newTestClient(t, mux,
		WithPollInterval(5*time.Millisecond),
		WithReceiptTimeout(time.Second))

	receipt, err := client.AwaitReceipt(context.Background(), testToken, Handle{UserOpHash: opHash})
	require.NoError(t, err)
	assert.Equal(t, txHash, receipt.TxHash)
	assert.True(t, receipt.Success)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestAwaitReceiptTimesOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/userops/{hash}/receipt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client, _ := newTestClient(t, mux,
		WithPollInterval(5*time.Millisecond),
		WithReceiptTimeout(20*time.Millisecond))

	_, err := client.AwaitReceipt(context.Background(), testToken, Handle{})
	require.ErrorIs(t, err, ErrReceiptTimeout)
}

func TestWrapSignatureLength(t *testing.T) {
	_, err := WrapSignature(0, make([]byte, 64))
	require.Error(t, err)
}
