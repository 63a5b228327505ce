// Package bundler is the HTTP client for the bundler/paymaster proxy that
// submits user operations on behalf of a smart wallet. The proxy sponsors
// gas and forwards batches on-chain; this client prepares a batch, signs the
// returned digest with the delegated session key, submits, and waits for
// the receipt.
package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"eagled/pkg/deploytoken"
)

const (
	// DefaultReceiptTimeout bounds how long AwaitReceipt polls before
	// giving up. Submission may still land after this; the session stays
	// resumable and a later continue picks it up.
	DefaultReceiptTimeout = 180 * time.Second

	defaultPollInterval = 2 * time.Second
	defaultHTTPTimeout  = 30 * time.Second
)

var (
	// ErrReceiptTimeout is returned when the operation was accepted but no
	// receipt appeared within the configured window.
	ErrReceiptTimeout = errors.New("bundler: timed out waiting for receipt")

	// ErrRejected is returned when the proxy refuses a prepare or submit
	// request outright.
	ErrRejected = errors.New("bundler: request rejected")
)

// Call is one {to, value, data} triple inside a batch.
type Call struct {
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value,omitempty"`
	Data  hexutil.Bytes  `json:"data,omitempty"`
}

// Account describes the smart wallet the batch executes through and which
// owner slot signs for it.
type Account struct {
	SmartWallet common.Address
	OwnerIndex  uint64
}

// SignFunc produces a 65-byte [R||S||V] signature over the prepared
// operation digest. The orchestrator backs it with the decrypted session
// key so the key never crosses a package boundary.
type SignFunc func(digest common.Hash) ([]byte, error)

// Handle identifies a submitted operation.
type Handle struct {
	UserOpHash common.Hash
}

// Receipt is the terminal record of a submitted operation.
type Receipt struct {
	UserOpHash common.Hash `json:"userOpHash"`
	TxHash     common.Hash `json:"txHash"`
	Success    bool        `json:"success"`
}

// Client talks to one bundler proxy. Every request carries the deploy-token
// header pair so the proxy can verify the request came from this server
// without holding any other secret.
type Client struct {
	baseURL    string
	hmacSecret []byte
	httpClient *http.Client

	receiptTimeout time.Duration
	pollInterval   time.Duration
}

// Option adjusts client behaviour.
type Option func(*Client)

// WithReceiptTimeout overrides the receipt wait window.
func WithReceiptTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.receiptTimeout = d
		}
	}
}

// WithPollInterval overrides the receipt poll cadence. Used in tests.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New returns a Client for the proxy at baseURL. The HMAC secret signs the
// deploy token on every request and must match the proxy's configuration.
func New(baseURL string, hmacSecret []byte, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("bundler: base URL is required")
	}
	if len(hmacSecret) == 0 {
		return nil, errors.New("bundler: HMAC secret is required")
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		hmacSecret:     hmacSecret,
		httpClient:     &http.Client{Timeout: defaultHTTPTimeout},
		receiptTimeout: DefaultReceiptTimeout,
		pollInterval:   defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type prepareRequest struct {
	Sender     common.Address `json:"sender"`
	OwnerIndex uint64         `json:"ownerIndex"`
	Calls      []Call         `json:"calls"`
}

type prepareResponse struct {
	UserOpHash common.Hash `json:"userOpHash"`
}

type submitRequest struct {
	UserOpHash common.Hash   `json:"userOpHash"`
	Signature  hexutil.Bytes `json:"signature"`
}

// Submit prepares the batch with the proxy, signs the returned digest, and
// submits the signed operation. Once this returns a Handle, the operation
// is in flight and the only outcomes are a receipt or a timeout.
func (c *Client) Submit(ctx context.Context, token string, acct Account, calls []Call, sign SignFunc) (Handle, error) {
	if len(calls) == 0 {
		return Handle{}, errors.New("bundler: empty call batch")
	}
	if sign == nil {
		return Handle{}, errors.New("bundler: sign func is required")
	}

	var prepared prepareResponse
	err := c.post(ctx, token, "/v1/userops/prepare", prepareRequest{
		Sender:     acct.SmartWallet,
		OwnerIndex: acct.OwnerIndex,
		Calls:      calls,
	}, &prepared)
	if err != nil {
		return Handle{}, fmt.Errorf("prepare: %w", err)
	}

	rawSig, err := sign(prepared.UserOpHash)
	if err != nil {
		return Handle{}, fmt.Errorf("bundler: sign operation: %w", err)
	}
	wrapped, err := WrapSignature(acct.OwnerIndex, rawSig)
	if err != nil {
		return Handle{}, err
	}

	if err := c.post(ctx, token, "/v1/userops/submit", submitRequest{
		UserOpHash: prepared.UserOpHash,
		Signature:  wrapped,
	}, nil); err != nil {
		return Handle{}, fmt.Errorf("submit: %w", err)
	}

	return Handle{UserOpHash: prepared.UserOpHash}, nil
}

// AwaitReceipt polls the proxy for the operation's receipt until it appears
// or the receipt window closes.
func (c *Client) AwaitReceipt(ctx context.Context, token string, h Handle) (Receipt, error) {
	deadline := time.Now().Add(c.receiptTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, found, err := c.getReceipt(ctx, token, h)
		if err != nil {
			return Receipt{}, err
		}
		if found {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return Receipt{}, ErrReceiptTimeout
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getReceipt(ctx context.Context, token string, h Handle) (Receipt, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/userops/"+h.UserOpHash.Hex()+"/receipt", nil)
	if err != nil {
		return Receipt{}, false, fmt.Errorf("bundler: build receipt request: %w", err)
	}
	c.authenticate(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, false, fmt.Errorf("bundler: receipt request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var receipt Receipt
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return Receipt{}, false, fmt.Errorf("bundler: decode receipt: %w", err)
		}
		return receipt, true, nil
	case http.StatusNotFound, http.StatusAccepted:
		// Still pending.
		return Receipt{}, false, nil
	default:
		return Receipt{}, false, responseError(resp)
	}
}

func (c *Client) post(ctx context.Context, token, path string, body, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bundler: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bundler: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authenticate(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bundler: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return responseError(resp)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("bundler: decode response: %w", err)
	}
	return nil
}

// authenticate attaches the deploy-token header pair.
func (c *Client) authenticate(req *http.Request, token string) {
	req.Header.Set(deploytoken.TokenHeader, token)
	req.Header.Set(deploytoken.SignatureHeader, deploytoken.Sign(c.hmacSecret, token))
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("%w: %s", ErrRejected, msg)
}

var ownerSigArgs abi.Arguments

func init() {
	uint256T, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	bytesT, err := abi.NewType("bytes", "", nil)
	if err != nil {
		panic(err)
	}
	ownerSigArgs = abi.Arguments{{Type: uint256T}, {Type: bytesT}}
}

// WrapSignature ABI-encodes the raw 65-byte signature together with the
// owner index, the envelope the smart wallet's validation logic expects.
func WrapSignature(ownerIndex uint64, sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("bundler: signature must be 65 bytes, got %d", len(sig))
	}
	packed, err := ownerSigArgs.Pack(new(big.Int).SetUint64(ownerIndex), sig)
	if err != nil {
		return nil, fmt.Errorf("bundler: wrap signature: %w", err)
	}
	return packed, nil
}
