// Package claims provides access to the claims carried in an OIDC ID token.
package claims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"lds.li/oauth2pkce/internal"
)

// Claims maps claim names to their decoded JSON values. Numbers are kept as
// json.Number so large integer claims survive a round trip.
type Claims map[string]any

// Decode extracts the claims from a compact ID token without verifying it.
// This is only appropriate for tokens received directly from the token
// endpoint.
func Decode(idToken string) (Claims, error) {
	var c Claims
	if err := internal.InsecureExtractJWTPayload(idToken, &c); err != nil {
		return nil, fmt.Errorf("decoding id_token payload: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("id_token payload is not a JSON object")
	}
	return c, nil
}

// FromJWT returns the full claim set of a verified JWT.
func FromJWT(v *jwt.VerifiedJWT) (Claims, error) {
	b, err := v.JSONPayload()
	if err != nil {
		return nil, fmt.Errorf("getting JWT payload: %w", err)
	}
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var c Claims
	if err := d.Decode(&c); err != nil {
		return nil, fmt.Errorf("decoding JWT payload: %w", err)
	}
	return c, nil
}

// String returns the named claim if it is a string, or the empty string.
func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

func (c Claims) Subject() string { return c.String("sub") }
func (c Claims) Issuer() string { return c.String("iss") }
func (c Claims) Name() string { return c.String("name") }
func (c Claims) Email() string { return c.String("email") }
func (c Claims) PreferredUsername() string { return c.String("preferred_username") }
func (c Claims) Nonce() string { return c.String("nonce") }

// Audience returns the aud claim, which may be encoded as a single string or
// a list.
func (c Claims) Audience() []string {
	switch v := c["aud"].(type) {
	case string:
		return []string{v}
	case []any:
		var aud []string
		for _, a := range v {
			if s, ok := a.(string); ok {
				aud = append(aud, s)
			}
		}
		return aud
	}
	return nil
}

// ExpiresAt returns the exp claim, or the zero time if absent.
func (c Claims) ExpiresAt() time.Time {
	return c.unixTime("exp")
}

// IssuedAt returns the iat claim, or the zero time if absent.
func (c Claims) IssuedAt() time.Time {
	return c.unixTime("iat")
}

func (c Claims) unixTime(name string) time.Time {
	var secs float64
	switch v := c[name].(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}
		}
		secs = f
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	case int:
		secs = float64(v)
	default:
		return time.Time{}
	}
	return time.Unix(int64(secs), 0)
}
