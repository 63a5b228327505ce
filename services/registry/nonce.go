package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"eagled/pkg/db"
)

// PurposeVaultJoin scopes nonces issued for the vault deployment join flow.
const PurposeVaultJoin = "vault_join"

// DefaultNonceTTL bounds how long an issued nonce stays signable.
const DefaultNonceTTL = 10 * time.Minute

const nonceBytes = 32

// JoinNonce is a single-use, purpose-scoped challenge value.
type JoinNonce struct {
	ID            uuid.UUID
	Nonce         string
	Purpose       string
	WalletAddress common.Address
	VaultAddress  common.Address
	IssuedAt      time.Time
	ExpiresAt     time.Time
	UsedAt        *time.Time
}

type joinNonceRow struct {
	ID            uuid.UUID  `db:"id"`
	Nonce         string     `db:"nonce"`
	Purpose       string     `db:"purpose"`
	WalletAddress string     `db:"wallet_address"`
	VaultAddress  string     `db:"vault_address"`
	IssuedAt      time.Time  `db:"issued_at"`
	ExpiresAt     time.Time  `db:"expires_at"`
	UsedAt        *time.Time `db:"used_at"`
}

func (r joinNonceRow) toNonce() (JoinNonce, error) {
	if !common.IsHexAddress(r.WalletAddress) {
		return JoinNonce{}, fmt.Errorf("nonce %s: wallet_address holds %q, not an address", r.ID, r.WalletAddress)
	}
	if !common.IsHexAddress(r.VaultAddress) {
		return JoinNonce{}, fmt.Errorf("nonce %s: vault_address holds %q, not an address", r.ID, r.VaultAddress)
	}
	return JoinNonce{
		ID:            r.ID,
		Nonce:         r.Nonce,
		Purpose:       r.Purpose,
		WalletAddress: common.HexToAddress(r.WalletAddress),
		VaultAddress:  common.HexToAddress(r.VaultAddress),
		IssuedAt:      r.IssuedAt,
		ExpiresAt:     r.ExpiresAt,
		UsedAt:        r.UsedAt,
	}, nil
}

const (
	sqlSelectLiveNonce = `
		SELECT id, nonce, purpose, wallet_address, vault_address, issued_at, expires_at, used_at
		FROM join_nonces
		WHERE purpose = $1 AND wallet_address = $2 AND vault_address = $3
		  AND used_at IS NULL AND expires_at >= now()
		ORDER BY issued_at DESC
		LIMIT 1`

	sqlInsertNonce = `
		INSERT INTO join_nonces (id, nonce, purpose, wallet_address, vault_address, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	// sqlConsumeNonce is the single conditional update that makes nonce
	// consumption atomic. Replay protection lives entirely in this
	// statement; it must never be split into a read followed by a write.
	sqlConsumeNonce = `
		UPDATE join_nonces SET used_at = now()
		WHERE nonce = $1 AND purpose = $2 AND wallet_address = $3 AND vault_address = $4
		  AND used_at IS NULL AND expires_at >= now()`
)

// nonceStore is the two-query surface Issue and Consume run against. The
// production implementation forwards to pkg/db over a pgx pool; tests swap
// in a recording fake.
type nonceStore interface {
	getRow(ctx context.Context, dest *joinNonceRow, query string, args ...any) error
	exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
}

type poolNonceStore struct {
	pool *pgxpool.Pool
}

func (p poolNonceStore) getRow(ctx context.Context, dest *joinNonceRow, query string, args ...any) error {
	return db.Get(ctx, p.pool, dest, query, args...)
}

func (p poolNonceStore) exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	return db.Exec(ctx, p.pool, query, args...)
}

// NonceIssuer issues and atomically consumes join nonces.
type NonceIssuer struct {
	store nonceStore
	ttl   time.Duration
}

// NewNonceIssuer returns an issuer over the pgx pool. A non-positive ttl
// falls back to DefaultNonceTTL.
func NewNonceIssuer(pool *pgxpool.Pool, ttl time.Duration) *NonceIssuer {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceIssuer{store: poolNonceStore{pool: pool}, ttl: ttl}
}

// Issue returns the existing unused, unexpired nonce for the tuple if one
// exists, so client retries are stable and nonce rows do not pile up.
// Otherwise it persists and returns a fresh random nonce with the
// configured TTL.
func (n *NonceIssuer) Issue(ctx context.Context, purpose string, wallet, vault common.Address) (JoinNonce, error) {
	var row joinNonceRow
	err := n.store.getRow(ctx, &row, sqlSelectLiveNonce, purpose, wallet.Hex(), vault.Hex())
	switch {
	case err == nil:
		return row.toNonce()
	case !errors.Is(err, pgx.ErrNoRows):
		return JoinNonce{}, fmt.Errorf("lookup nonce: %w", err)
	}

	value, err := newNonceValue()
	if err != nil {
		return JoinNonce{}, err
	}
	now := time.Now().UTC()
	fresh := joinNonceRow{
		ID:            uuid.New(),
		Nonce:         value,
		Purpose:       purpose,
		WalletAddress: wallet.Hex(),
		VaultAddress:  vault.Hex(),
		IssuedAt:      now,
		ExpiresAt:     now.Add(n.ttl),
	}
	if _, err := n.store.exec(ctx, sqlInsertNonce,
		fresh.ID, fresh.Nonce, fresh.Purpose, fresh.WalletAddress, fresh.VaultAddress, fresh.IssuedAt, fresh.ExpiresAt,
	); err != nil {
		return JoinNonce{}, fmt.Errorf("insert nonce: %w", err)
	}
	return fresh.toNonce()
}

// Consume marks the nonce used. Exactly one row updating is the only
// success; everything else (unknown tuple, already used, expired) is
// ErrNonceInvalid.
func (n *NonceIssuer) Consume(ctx context.Context, purpose string, wallet, vault common.Address, nonce string) error {
	tag, err := n.store.exec(ctx, sqlConsumeNonce, nonce, purpose, wallet.Hex(), vault.Hex())
	if err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNonceInvalid
	}
	return nil
}

func newNonceValue() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
