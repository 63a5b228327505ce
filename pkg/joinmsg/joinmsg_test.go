package joinmsg

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"eagled/pkg/render"
)

func sampleMessage() Message {
	return Message{
		Wallet:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Vault:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Nonce:     "6e6f6e63652d76616c7565",
		IssuedAt:  time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		ExpiresAt: time.Date(2026, 3, 14, 9, 36, 53, 0, time.UTC),
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	engine, err := render.New()
	if err != nil {
		t.Fatalf("render.New() error = %v", err)
	}

	want := sampleMessage()
	text, err := Render(engine, want)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.HasPrefix(text, "Eagle vault deployment session") {
		t.Fatalf("rendered message missing headline:\n%s", text)
	}

	got, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestParseMissingFields(t *testing.T) {
	engine, err := render.New()
	if err != nil {
		t.Fatalf("render.New() error = %v", err)
	}
	text, err := Render(engine, sampleMessage())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	labels := []string{labelWallet, labelVault, labelNonce, labelIssuedAt, labelExpiresAt}
	for _, label := range labels {
		t.Run(label, func(t *testing.T) {
			var kept []string
			for _, line := range strings.Split(text, "\n") {
				if strings.HasPrefix(strings.TrimSpace(line), label) {
					continue
				}
				kept = append(kept, line)
			}
			_, err := Parse(strings.Join(kept, "\n"))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("Parse() without %q: error = %v, want ErrMalformedMessage", label, err)
			}
			if !strings.Contains(err.Error(), label) {
				t.Fatalf("Parse() error %q does not name the missing label %q", err, label)
			}
		})
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{
			name: "wallet not an address",
			text: "Wallet: zz11\nVault: 0x2222222222222222222222222222222222222222\nNonce: abc\nIssued At: 2026-03-14T09:26:53Z\nExpires At: 2026-03-14T09:36:53Z",
		},
		{
			name: "vault not an address",
			text: "Wallet: 0x1111111111111111111111111111111111111111\nVault: 0x22\nNonce: abc\nIssued At: 2026-03-14T09:26:53Z\nExpires At: 2026-03-14T09:36:53Z",
		},
		{
			name: "empty nonce",
			text: "Wallet: 0x1111111111111111111111111111111111111111\nVault: 0x2222222222222222222222222222222222222222\nNonce:\nIssued At: 2026-03-14T09:26:53Z\nExpires At: 2026-03-14T09:36:53Z",
		},
		{
			name: "bad issued timestamp",
			text: "Wallet: 0x1111111111111111111111111111111111111111\nVault: 0x2222222222222222222222222222222222222222\nNonce: abc\nIssued At: yesterday\nExpires At: 2026-03-14T09:36:53Z",
		},
		{
			name: "bad expires timestamp",
			text: "Wallet: 0x1111111111111111111111111111111111111111\nVault: 0x2222222222222222222222222222222222222222\nNonce: abc\nIssued At: 2026-03-14T09:26:53Z\nExpires At: 03/14/2026",
		},
		{
			name: "empty message",
			text: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.text); !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("Parse() error = %v, want ErrMalformedMessage", err)
			}
		})
	}
}
