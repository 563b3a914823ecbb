package pkceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"lds.li/oauth2pkce/internal"
)

// maxTokenResponseSize bounds how much of a token response is read.
const maxTokenResponseSize = 1 << 20

// tokenResponse is the token endpoint's JSON body.
type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    expiresIn `json:"expires_in"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token"`
	Scope        string    `json:"scope"`
}

// expiresIn accepts expires_in as either a number or a numeric string, as
// some providers send the latter. Values past math.MaxInt32 are clamped.
type expiresIn int64

func clampExpiresIn(n int64) expiresIn {
	return expiresIn(min(n, math.MaxInt32))
}

func (e *expiresIn) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*e = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing expires_in %q: %w", s, err)
		}
		*e = clampExpiresIn(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if n == "" {
		*e = 0
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("parsing expires_in: %w", err)
	}
	if f > math.MaxInt32 {
		f = math.MaxInt32
	}
	*e = expiresIn(f)
	return nil
}

// exchange redeems an authorization code for pl. Errors are classified like
// postToken's.
func (c *Client) exchange(ctx context.Context, pl *pendingLogin, code string) (*tokenResponse, error) {
	ctx, cancel := internal.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, internal.HTTPClientFromContext(ctx, c.httpClient))

	o2cfg := oauth2.Config{
		ClientID:    c.clientID,
		Endpoint:    c.endpoint,
		RedirectURL: pl.RedirectURI,
	}
	// public client, so client_id goes in the form and there is no basic auth.
	o2cfg.Endpoint.AuthStyle = oauth2.AuthStyleInParams

	tok, err := o2cfg.Exchange(ctx, code, oauth2.VerifierOption(pl.Verifier))
	if err != nil {
		var (
			re *oauth2.RetrieveError
			ue *url.Error
		)
		switch {
		case errors.As(err, &re):
			return nil, re
		case errors.As(err, &ue) && ue.Op != "parse":
			return nil, &Error{Kind: KindNetwork, Message: "token request", Err: err}
		}
		return nil, err
	}

	tr := &tokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    clampExpiresIn(tok.ExpiresIn),
	}
	if tr.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		// form encoded responses only carry the computed expiry.
		tr.ExpiresIn = clampExpiresIn(int64(time.Until(tok.Expiry).Round(time.Second) / time.Second))
	}
	tr.IDToken, _ = tok.Extra("id_token").(string)
	tr.Scope, _ = tok.Extra("scope").(string)

	if tr.TokenType != "" && !strings.EqualFold(tr.TokenType, "bearer") {
		return nil, newError(KindTokenExchange, "unsupported token_type %q", tr.TokenType)
	}
	if tr.ExpiresIn < 0 {
		return nil, newError(KindTokenExchange, "negative expires_in")
	}
	return tr, nil
}

// postToken sends a form encoded refresh request to the token endpoint. It
// does not go through oauth2.Config because the request must carry the
// session's scope. A non-200 response or a malformed body is returned as an
// *oauth2.RetrieveError; a transport failure as a KindNetwork *Error.
func (c *Client) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	ctx, cancel := internal.WithTimeout(ctx, c.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, newError(KindConfiguration, "creating token request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := internal.HTTPClientFromContext(ctx, c.httpClient).Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "token request", Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxTokenResponseSize))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "reading token response", Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		re := &oauth2.RetrieveError{Response: res, Body: body}
		parseErrorBody(re, res, body)
		return nil, re
	}

	if ct := res.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			return nil, malformed(res, body, "unexpected content type %q", ct)
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, malformed(res, body, "decoding token response: %v", err)
	}
	if tr.AccessToken == "" {
		return nil, malformed(res, body, "token response has no access_token")
	}
	if tr.TokenType != "" && !strings.EqualFold(tr.TokenType, "bearer") {
		return nil, malformed(res, body, "unsupported token_type %q", tr.TokenType)
	}
	if tr.ExpiresIn < 0 {
		return nil, malformed(res, body, "negative expires_in")
	}
	return &tr, nil
}

// parseErrorBody fills in the OAuth2 error fields from a JSON or form encoded
// error body, if it has one.
func parseErrorBody(re *oauth2.RetrieveError, res *http.Response, body []byte) {
	mt, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	switch mt {
	case "application/x-www-form-urlencoded", "text/plain":
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return
		}
		re.ErrorCode = vals.Get("error")
		re.ErrorDescription = vals.Get("error_description")
		re.ErrorURI = vals.Get("error_uri")
	default:
		var eb struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
			ErrorURI         string `json:"error_uri"`
		}
		if json.Unmarshal(body, &eb) == nil {
			re.ErrorCode = eb.Error
			re.ErrorDescription = eb.ErrorDescription
			re.ErrorURI = eb.ErrorURI
		}
	}
}

func malformed(res *http.Response, body []byte, format string, args ...any) *oauth2.RetrieveError {
	return &oauth2.RetrieveError{
		Response:         res,
		Body:             body,
		ErrorDescription: fmt.Sprintf(format, args...),
	}
}

// sessionFromToken builds a session from a token response received at now.
func sessionFromToken(tr *tokenResponse, now time.Time) *Session {
	s := &Session{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
	}
	if s.TokenType == "" {
		s.TokenType = "Bearer"
	}
	if tr.ExpiresIn > 0 {
		s.Expiry = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.Scope != "" {
		s.Scopes = strings.Fields(tr.Scope)
	}
	return s
}
