package claims

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func fakeIDToken(t *testing.T, payload map[string]any) string {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return "eyJhbGciOiJub25lIn0." + base64.RawURLEncoding.EncodeToString(b) + ".sig"
}

func TestDecode(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := fakeIDToken(t, map[string]any{
		"iss":   "https://issuer.example",
		"sub":   "auser",
		"aud":   []string{"client-a", "client-b"},
		"exp":   exp.Unix(),
		"name":  "A User",
		"email": "auser@example.com",
		"nonce": "n-1",
	})

	c, err := Decode(tok)
	if err != nil {
		t.Fatal(err)
	}

	if c.Subject() != "auser" {
		t.Errorf("want subject auser, got %q", c.Subject())
	}
	if c.Issuer() != "https://issuer.example" {
		t.Errorf("unexpected issuer %q", c.Issuer())
	}
	if c.Name() != "A User" || c.Email() != "auser@example.com" || c.Nonce() != "n-1" {
		t.Errorf("unexpected profile claims: %v", c)
	}
	if diff := cmp.Diff([]string{"client-a", "client-b"}, c.Audience()); diff != "" {
		t.Errorf("audience (-want +got):\n%s", diff)
	}
	if !c.ExpiresAt().Equal(exp) {
		t.Errorf("want exp %v, got %v", exp, c.ExpiresAt())
	}
	if !c.IssuedAt().IsZero() {
		t.Errorf("want zero iat, got %v", c.IssuedAt())
	}
}

func TestDecodeSingleAudience(t *testing.T) {
	c, err := Decode(fakeIDToken(t, map[string]any{"aud": "client-a"}))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"client-a"}, c.Audience()); diff != "" {
		t.Errorf("audience (-want +got):\n%s", diff)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, tok := range []string{"", "abc", "a.!!!.c", "a." + base64.RawURLEncoding.EncodeToString([]byte("null")) + ".c"} {
		if _, err := Decode(tok); err == nil {
			t.Errorf("%q: want error, got none", tok)
		}
	}
}
