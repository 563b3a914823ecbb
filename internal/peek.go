package internal

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedJWT is returned when the JWT does not have the expected format.
var ErrMalformedJWT = errors.New("malformed JWT: expected header.payload.signature")

// InsecureExtractJWTPayload extracts the payload part of a JWT and unmarshals
// it into v. This performs no validation of the JWT, so it must only be used
// on tokens received directly from the token endpoint over a trusted
// connection.
func InsecureExtractJWTPayload(jwt string, v any) error {
	_, rest, found := strings.Cut(jwt, ".")
	if !found {
		return ErrMalformedJWT
	}
	payload, _, found := strings.Cut(rest, ".")
	if !found || payload == "" {
		return ErrMalformedJWT
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return err
	}

	d := json.NewDecoder(strings.NewReader(string(decoded)))
	d.UseNumber()
	return d.Decode(v)
}
