package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedExec struct {
	query string
	args  []any
}

// fakeNonceStore records every statement the issuer runs and serves a
// canned live row for the lookup query.
type fakeNonceStore struct {
	liveRow *joinNonceRow
	getErr  error

	execs   []recordedExec
	execTag pgconn.CommandTag
	execErr error
}

func (f *fakeNonceStore) getRow(_ context.Context, dest *joinNonceRow, _ string, _ ...any) error {
	if f.getErr != nil {
		return f.getErr
	}
	if f.liveRow == nil {
		return pgx.ErrNoRows
	}
	*dest = *f.liveRow
	return nil
}

func (f *fakeNonceStore) exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, recordedExec{query: query, args: args})
	return f.execTag, f.execErr
}

// Replay protection depends on consumption being one conditional UPDATE.
// These assertions pin the statement shape so a refactor into a
// read-then-write cannot slip through.
func TestConsumeNonceIsSingleConditionalUpdate(t *testing.T) {
	stmt := strings.ToUpper(sqlConsumeNonce)

	assert.Equal(t, 1, strings.Count(stmt, "UPDATE"))
	assert.Zero(t, strings.Count(stmt, "SELECT"))
	assert.Contains(t, stmt, "USED_AT IS NULL")
	assert.Contains(t, stmt, "EXPIRES_AT >= NOW()")
	assert.Contains(t, stmt, "SET USED_AT = NOW()")
	assert.NotContains(t, stmt, ";", "must be a single statement")
}

func TestSelectLiveNonceExcludesUsedAndExpired(t *testing.T) {
	stmt := strings.ToUpper(sqlSelectLiveNonce)

	assert.Contains(t, stmt, "USED_AT IS NULL")
	assert.Contains(t, stmt, "EXPIRES_AT >= NOW()")
	assert.Contains(t, stmt, "LIMIT 1")
}

func TestJoinNonceRowMapping(t *testing.T) {
	now := time.Now().UTC()
	row := joinNonceRow{
		ID:            uuid.New(),
		Nonce:         "abc123",
		Purpose:       PurposeVaultJoin,
		WalletAddress: "0x1111111111111111111111111111111111111111",
		VaultAddress:  "0x2222222222222222222222222222222222222222",
		IssuedAt:      now,
		ExpiresAt:     now.Add(DefaultNonceTTL),
	}

	nonce, err := row.toNonce()
	require.NoError(t, err)
	assert.Equal(t, row.Nonce, nonce.Nonce)
	assert.Equal(t, row.WalletAddress, nonce.WalletAddress.Hex())
	assert.Nil(t, nonce.UsedAt)

	row.VaultAddress = "not-an-address"
	_, err = row.toNonce()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault_address")
}

func TestNewNonceValue(t *testing.T) {
	a, err := newNonceValue()
	require.NoError(t, err)
	b, err := newNonceValue()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := hex.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, nonceBytes)
}

func TestIssueReturnsExistingLiveNonceUnchanged(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	existing := joinNonceRow{
		ID:            uuid.New(),
		Nonce:         "feedface",
		Purpose:       PurposeVaultJoin,
		WalletAddress: "0x1111111111111111111111111111111111111111",
		VaultAddress:  "0x2222222222222222222222222222222222222222",
		IssuedAt:      now.Add(-time.Minute),
		ExpiresAt:     now.Add(9 * time.Minute),
	}
	store := &fakeNonceStore{liveRow: &existing}
	issuer := &NonceIssuer{store: store, ttl: DefaultNonceTTL}

	got, err := issuer.Issue(context.Background(), PurposeVaultJoin,
		common.HexToAddress(existing.WalletAddress), common.HexToAddress(existing.VaultAddress))
	require.NoError(t, err)

	assert.Equal(t, existing.ID, got.ID)
	assert.Equal(t, existing.Nonce, got.Nonce)
	assert.Equal(t, existing.IssuedAt, got.IssuedAt)
	assert.Equal(t, existing.ExpiresAt, got.ExpiresAt)
	assert.Empty(t, store.execs, "a live nonce must be reused, not reinserted")
}

func TestIssueInsertsFreshNonceWhenNoneLive(t *testing.T) {
	store := &fakeNonceStore{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	ttl := 3 * time.Minute
	issuer := &NonceIssuer{store: store, ttl: ttl}

	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	vault := common.HexToAddress("0x2222222222222222222222222222222222222222")

	got, err := issuer.Issue(context.Background(), PurposeVaultJoin, wallet, vault)
	require.NoError(t, err)

	require.Len(t, store.execs, 1)
	assert.Equal(t, sqlInsertNonce, store.execs[0].query)
	assert.Contains(t, store.execs[0].args, wallet.Hex())
	assert.Contains(t, store.execs[0].args, vault.Hex())

	raw, err := hex.DecodeString(got.Nonce)
	require.NoError(t, err)
	assert.Len(t, raw, nonceBytes)
	assert.Equal(t, ttl, got.ExpiresAt.Sub(got.IssuedAt))
	assert.Nil(t, got.UsedAt)
}

func TestIssueSurfacesLookupError(t *testing.T) {
	store := &fakeNonceStore{getErr: errors.New("connection reset")}
	issuer := &NonceIssuer{store: store, ttl: DefaultNonceTTL}

	_, err := issuer.Issue(context.Background(), PurposeVaultJoin,
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"))
	require.Error(t, err)
	assert.Empty(t, store.execs)
}

func TestConsumeRequiresExactlyOneRow(t *testing.T) {
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	vault := common.HexToAddress("0x2222222222222222222222222222222222222222")

	store := &fakeNonceStore{execTag: pgconn.NewCommandTag("UPDATE 1")}
	issuer := &NonceIssuer{store: store, ttl: DefaultNonceTTL}
	require.NoError(t, issuer.Consume(context.Background(), PurposeVaultJoin, wallet, vault, "abc"))
	require.Len(t, store.execs, 1)
	assert.Equal(t, sqlConsumeNonce, store.execs[0].query)

	store = &fakeNonceStore{execTag: pgconn.NewCommandTag("UPDATE 0")}
	issuer = &NonceIssuer{store: store, ttl: DefaultNonceTTL}
	err := issuer.Consume(context.Background(), PurposeVaultJoin, wallet, vault, "abc")
	require.ErrorIs(t, err, ErrNonceInvalid)
}

func TestNewNonceIssuerTTLFallback(t *testing.T) {
	issuer := NewNonceIssuer(nil, 0)
	assert.Equal(t, DefaultNonceTTL, issuer.ttl)

	issuer = NewNonceIssuer(nil, time.Minute)
	assert.Equal(t, time.Minute, issuer.ttl)
}
