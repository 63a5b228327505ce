// Package evmrpc provides a read-only EVM JSON-RPC client that fails over
// across an ordered list of endpoints. A single provider outage must not
// fail a deployment step, so every call walks the list until one endpoint
// answers.
package evmrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultTimeout bounds a single endpoint attempt.
const DefaultTimeout = 12 * time.Second

// ErrNoEndpoints is returned by New when the endpoint list is empty.
var ErrNoEndpoints = errors.New("evmrpc: no endpoints configured")

// Client walks its endpoints in configuration order and returns the first
// successful response. Connections are dialed lazily and cached.
type Client struct {
	endpoints []string
	timeout   time.Duration

	// OnFailover, when set, is invoked each time an endpoint attempt fails
	// and the next endpoint is tried. Used for logging and counters.
	OnFailover func(endpoint string, err error)

	mu    sync.Mutex
	conns map[string]*ethclient.Client

	// dial is swapped out in tests.
	dial func(ctx context.Context, url string) (*ethclient.Client, error)
}

// New returns a Client over the given endpoint URLs. Order matters: the
// first endpoint is the primary, the rest are fallbacks.
func New(endpoints []string, timeout time.Duration) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoints: endpoints,
		timeout:   timeout,
		conns:     make(map[string]*ethclient.Client),
		dial:      ethclient.DialContext,
	}, nil
}

// Endpoints returns the configured endpoint list.
func (c *Client) Endpoints() []string { return c.endpoints }

// CodeAt returns the contract bytecode at addr on the latest block.
// An empty slice with a nil error means no contract is deployed there.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var out []byte
	err := c.each(ctx, func(ctx context.Context, conn *ethclient.Client) error {
		code, err := conn.CodeAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		out = code
		return nil
	})
	return out, err
}

// CallContract executes a read-only call against to with the given calldata
// on the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.each(ctx, func(ctx context.Context, conn *ethclient.Client) error {
		res, err := conn.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// each runs fn against each endpoint until one succeeds. All errors are
// joined when every endpoint fails, so operators see the full picture.
func (c *Client) each(ctx context.Context, fn func(context.Context, *ethclient.Client) error) error {
	var errs []error
	for i, url := range c.endpoints {
		conn, err := c.conn(ctx, url)
		if err == nil {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			err = fn(attemptCtx, conn)
			cancel()
			if err == nil {
				return nil
			}
		}
		errs = append(errs, fmt.Errorf("endpoint %q: %w", url, err))
		if c.OnFailover != nil && i < len(c.endpoints)-1 {
			c.OnFailover(url, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("evmrpc: all endpoints failed: %w", errors.Join(errs...))
}

func (c *Client) conn(ctx context.Context, url string) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[url]; ok {
		return conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dial(dialCtx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.conns[url] = conn
	return conn, nil
}

// Close releases all cached connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = make(map[string]*ethclient.Client)
}
