package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

const (
	// blobVersion prefixes every sealed blob so the format can evolve.
	blobVersion = 0x01

	minSecretLen = 32
	hkdfInfo     = "eagled/keyvault/v1"
)

// ErrInvalidCiphertext is returned for any blob that cannot be decrypted:
// wrong version, truncated data, or failed authentication. Callers get no
// further detail about which check failed.
var ErrInvalidCiphertext = errors.New("keyvault: invalid ciphertext")

// Vault seals and opens session-owner private keys with an AEAD keyed from
// the server secret. The secret itself is never used directly; a cipher key
// is derived once at construction.
type Vault struct {
	aead cipher.AEAD
}

// New derives the AEAD key from secret via HKDF-SHA256 and returns a ready
// Vault. The secret must be at least 32 bytes.
func New(secret []byte) (*Vault, error) {
	if l := len(secret); l < minSecretLen {
		return nil, fmt.Errorf("keyvault: secret must be at least %d bytes, got %d", minSecretLen, l)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("keyvault: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyvault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyvault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// NewFromString builds a Vault from a configuration string. Hex-encoded
// secrets are decoded first; anything else is used as raw bytes.
func NewFromString(secret string) (*Vault, error) {
	s := strings.TrimSpace(secret)
	if decoded, err := hex.DecodeString(s); err == nil && len(decoded) >= minSecretLen {
		return New(decoded)
	}
	return New([]byte(s))
}

// Encrypt seals plaintext into a self-describing blob:
// version byte, GCM nonce, then ciphertext with the auth tag appended.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyvault: nonce: %w", err)
	}
	blob := make([]byte, 0, 1+len(nonce)+len(plaintext)+v.aead.Overhead())
	blob = append(blob, blobVersion)
	blob = append(blob, nonce...)
	return v.aead.Seal(blob, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure mode maps to
// ErrInvalidCiphertext so the result cannot be used as a padding or format
// oracle.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(blob) < 1+ns+v.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	if blob[0] != blobVersion {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := v.aead.Open(nil, blob[1:1+ns], blob[1+ns:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// EncryptKey seals a secp256k1 private key. The scalar is hex-encoded before
// sealing so the plaintext survives inspection during incident response.
func (v *Vault) EncryptKey(key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("keyvault: nil key")
	}
	return v.Encrypt([]byte(hex.EncodeToString(ethcrypto.FromECDSA(key))))
}

// DecryptKey opens a blob sealed by EncryptKey and parses the scalar back
// into a usable private key.
func (v *Vault) DecryptKey(blob []byte) (*ecdsa.PrivateKey, error) {
	plaintext, err := v.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	key, err := ethcrypto.HexToECDSA(string(plaintext))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return key, nil
}

// GenerateKey creates a fresh secp256k1 session-owner key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("keyvault: generate key: %w", err)
	}
	return key, nil
}
