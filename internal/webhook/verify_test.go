package webhook

import (
	"strings"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"update_id":1}`)
	const secret = "webhook-secret"

	tests := []struct {
		name   string
		body   []byte
		header string
		secret string
		want   bool
	}{
		{"valid", body, Sign(body, secret), secret, true},
		{"valid without prefix", body, strings.TrimPrefix(Sign(body, secret), "sha256="), secret, true},
		{"tampered body", []byte(`{"update_id":2}`), Sign(body, secret), secret, false},
		{"wrong secret", body, Sign(body, "other"), secret, false},
		{"missing header", body, "", secret, false},
		{"garbage header", body, "sha256=zzzz", secret, false},
		{"no secret configured", body, "", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := verifySignature(tc.body, tc.header, tc.secret); got != tc.want {
				t.Fatalf("verifySignature = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestVerifySecretToken(t *testing.T) {
	if !verifySecretToken("tok", "tok") {
		t.Fatal("matching token rejected")
	}
	if verifySecretToken("wrong", "tok") {
		t.Fatal("mismatched token accepted")
	}
	if verifySecretToken("", "tok") {
		t.Fatal("missing token accepted")
	}
	if !verifySecretToken("anything", "") {
		t.Fatal("check not disabled with empty want")
	}
}
