// Package joinmsg renders and parses the human-readable message a wallet
// owner signs to open a vault deployment session. The message is the only
// thing the user sees in their wallet prompt, so it stays a fixed, labeled,
// multi-line template rather than an opaque digest.
package joinmsg

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"eagled/pkg/render"
)

// TemplateName is the embedded template rendered for signing.
const TemplateName = "join_message.tmpl"

// ErrMalformedMessage is the base error for any parse failure. The wrapped
// detail names the offending field.
var ErrMalformedMessage = errors.New("joinmsg: malformed message")

// Message is the structured form of the signed text.
type Message struct {
	Wallet    common.Address
	Vault     common.Address
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

const (
	labelWallet    = "Wallet:"
	labelVault     = "Vault:"
	labelNonce     = "Nonce:"
	labelIssuedAt  = "Issued At:"
	labelExpiresAt = "Expires At:"
)

// Render produces the exact text presented for signing.
func Render(engine *render.Engine, msg Message) (string, error) {
	return engine.Render(TemplateName, msg)
}

// Parse locates each labeled line and rebuilds the structured message.
// Every missing or ill-formed field fails with its own wrapped detail;
// nothing is guessed or defaulted.
func Parse(s string) (Message, error) {
	var msg Message

	wallet, err := field(s, labelWallet)
	if err != nil {
		return Message{}, err
	}
	if !common.IsHexAddress(wallet) {
		return Message{}, fmt.Errorf("%w: %q is not an address", ErrMalformedMessage, labelWallet)
	}
	msg.Wallet = common.HexToAddress(wallet)

	vault, err := field(s, labelVault)
	if err != nil {
		return Message{}, err
	}
	if !common.IsHexAddress(vault) {
		return Message{}, fmt.Errorf("%w: %q is not an address", ErrMalformedMessage, labelVault)
	}
	msg.Vault = common.HexToAddress(vault)

	if msg.Nonce, err = field(s, labelNonce); err != nil {
		return Message{}, err
	}

	issued, err := field(s, labelIssuedAt)
	if err != nil {
		return Message{}, err
	}
	if msg.IssuedAt, err = time.Parse(time.RFC3339, issued); err != nil {
		return Message{}, fmt.Errorf("%w: %q is not an RFC3339 timestamp", ErrMalformedMessage, labelIssuedAt)
	}

	expires, err := field(s, labelExpiresAt)
	if err != nil {
		return Message{}, err
	}
	if msg.ExpiresAt, err = time.Parse(time.RFC3339, expires); err != nil {
		return Message{}, fmt.Errorf("%w: %q is not an RFC3339 timestamp", ErrMalformedMessage, labelExpiresAt)
	}

	return msg, nil
}

// field returns the trimmed value of the first line starting with label.
func field(s, label string) (string, error) {
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, label) {
			continue
		}
		value := strings.TrimSpace(trimmed[len(label):])
		if value == "" {
			return "", fmt.Errorf("%w: empty %q line", ErrMalformedMessage, label)
		}
		return value, nil
	}
	return "", fmt.Errorf("%w: missing %q line", ErrMalformedMessage, label)
}
