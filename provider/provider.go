// Package provider describes an OpenID provider / OAuth2 authorization server
// that the PKCE client talks to, and verifies ID tokens it issues.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"golang.org/x/oauth2"
	"lds.li/oauth2pkce/claims"
	"lds.li/oauth2pkce/internal"
)

// DefaultCacheDuration is how long a fetched JWKS is used before it is
// fetched again.
const DefaultCacheDuration = 10 * time.Minute

// DefaultClockSkew is the leeway allowed when validating token times.
const DefaultClockSkew = 30 * time.Second

type Provider struct {
	Metadata *Metadata
	// HTTPClient to use for requests to the provider. This will be overridden
	// by the context if provided.
	HTTPClient *http.Client
	// CacheDuration for the JWKS. Defaults to DefaultCacheDuration.
	CacheDuration time.Duration

	cacheMu          sync.Mutex
	cacheLastFetched time.Time
	cachedHandle     *keyset.Handle
}

// Endpoint returns the OAuth2 endpoint configuration for this provider. Client
// credentials are always sent in the request body, as public clients have no
// secret to send in a header.
func (p *Provider) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   p.Metadata.AuthorizationEndpoint,
		TokenURL:  p.Metadata.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// SupportsS256 reports whether the provider supports S256 PKCE.
func (p *Provider) SupportsS256() bool {
	return p.Metadata.SupportsS256()
}

// JWKSHandle returns the provider's public keys, fetching them if the cached
// copy is missing or stale.
func (p *Provider) JWKSHandle(ctx context.Context) (*keyset.Handle, error) {
	if err := p.refreshIfNeeded(ctx); err != nil {
		return nil, err
	}
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	return p.cachedHandle, nil
}

// VerifyIDToken verifies the signature, issuer, audience and expiry of a
// compact ID token, returning its claims.
func (p *Provider) VerifyIDToken(ctx context.Context, compact, clientID string) (claims.Claims, error) {
	validator, err := jwt.NewValidator(&jwt.ValidatorOpts{
		ExpectedIssuer:   &p.Metadata.Issuer,
		ExpectedAudience: &clientID,
		// providers differ on whether they set typ on ID tokens.
		IgnoreTypeHeader: true,
		ClockSkew:        DefaultClockSkew,
	})
	if err != nil {
		return nil, fmt.Errorf("creating tink validator: %w", err)
	}

	handle, err := p.JWKSHandle(ctx)
	if err != nil {
		return nil, err
	}
	verif, err := jwt.NewVerifier(handle)
	if err != nil {
		return nil, fmt.Errorf("creating verifier: %w", err)
	}
	vjwt, err := verif.VerifyAndDecode(compact, validator)
	if err != nil {
		return nil, fmt.Errorf("verifying id_token: %w", err)
	}

	iss, err := vjwt.Issuer()
	if err != nil {
		return nil, fmt.Errorf("getting issuer: %w", err)
	}
	if iss != p.Metadata.Issuer {
		return nil, fmt.Errorf("invalid issuer: got %q, want %q", iss, p.Metadata.Issuer)
	}

	return claims.FromJWT(vjwt)
}

// Userinfo will use the token source to query the userinfo endpoint of the
// provider. It will unmarshal the response in to the provided into.
func (p *Provider) Userinfo(ctx context.Context, tokenSource oauth2.TokenSource, into any) error {
	if p.Metadata.UserinfoEndpoint == "" {
		return fmt.Errorf("provider does not support userinfo endpoint")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, internal.HTTPClientFromContext(ctx, p.HTTPClient))

	client := oauth2.NewClient(ctx, tokenSource)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Metadata.UserinfoEndpoint, nil)
	if err != nil {
		return fmt.Errorf("creating userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("getting userinfo: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("userinfo request failed with code %d", res.StatusCode)
	}

	if !hasContentType(res, "application/json") {
		return fmt.Errorf("userinfo response has unexpected content type: %s", res.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading userinfo response: %w", err)
	}

	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("unmarshalling userinfo response: %w", err)
	}

	return nil
}
