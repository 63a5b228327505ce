package deploytoken

import "testing"

func TestNewTokensAreUnique(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a == b {
		t.Fatal("two generated tokens are identical")
	}
	if len(a) != tokenBytes*2 {
		t.Fatalf("token length = %d, want %d hex chars", len(a), tokenBytes*2)
	}
}

func TestHashIsStableAndOneWay(t *testing.T) {
	token := "aabbccdd"
	if Hash(token) != Hash(token) {
		t.Fatal("Hash() is not deterministic")
	}
	if Hash(token) == token {
		t.Fatal("Hash() returned the raw token")
	}
}

func TestSignVerify(t *testing.T) {
	secret := []byte("proxy-shared-secret")
	token, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sig := Sign(secret, token)

	tests := []struct {
		name      string
		secret    []byte
		token     string
		signature string
		want      bool
	}{
		{name: "valid", secret: secret, token: token, signature: sig, want: true},
		{name: "wrong secret", secret: []byte("other"), token: token, signature: sig, want: false},
		{name: "wrong token", secret: secret, token: token + "00", signature: sig, want: false},
		{name: "not hex", secret: secret, token: token, signature: "zz", want: false},
		{name: "empty signature", secret: secret, token: token, signature: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.token, tt.signature); got != tt.want {
				t.Fatalf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}
