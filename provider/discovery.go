package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"lds.li/oauth2pkce/internal"
)

const wellKnownOIDCPath = "/.well-known/openid-configuration"

// Discover fetches the OpenID configuration for the issuer and returns a
// Provider for it. The returned provider can be modified as needed.
func Discover(ctx context.Context, issuer string) (*Provider, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	p := &Provider{
		HTTPClient: internal.HTTPClientFromContext(ctx, nil),
	}

	cfgURL := issuer + wellKnownOIDCPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfgURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", cfgURL, err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", cfgURL, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("expected status %d from %s, got: %d", http.StatusOK, cfgURL, res.StatusCode)
	}
	if !hasContentType(res, "application/json") {
		return nil, fmt.Errorf("expected content type %s, got: %s", "application/json", res.Header.Get("Content-Type"))
	}

	md := new(Metadata)
	if err := json.NewDecoder(res.Body).Decode(md); err != nil {
		return nil, fmt.Errorf("decoding discovery metadata: %w", err)
	}
	if strings.TrimSuffix(md.Issuer, "/") != issuer {
		return nil, fmt.Errorf("discovered issuer %q does not match %q", md.Issuer, issuer)
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, fmt.Errorf("provider metadata for %s is missing authorization or token endpoint", issuer)
	}
	p.Metadata = md

	return p, nil
}

var validJWKSContentTypes = []string{
	"application/json",
	"application/jwk-set+json",
}

func (p *Provider) refreshIfNeeded(ctx context.Context) error {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	cacheFor := p.CacheDuration
	if cacheFor == 0 {
		cacheFor = DefaultCacheDuration
	}

	if p.cachedHandle != nil && time.Since(p.cacheLastFetched) < cacheFor {
		return nil
	}

	if p.Metadata == nil || p.Metadata.JWKSURI == "" {
		return fmt.Errorf("provider has no jwks_uri")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Metadata.JWKSURI, nil)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", p.Metadata.JWKSURI, err)
	}
	res, err := internal.HTTPClientFromContext(ctx, p.HTTPClient).Do(req)
	if err != nil {
		return fmt.Errorf("failed to get keys from %s: %w", p.Metadata.JWKSURI, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("expected status %d, got: %d", http.StatusOK, res.StatusCode)
	}
	if !slices.ContainsFunc(validJWKSContentTypes, func(ct string) bool { return hasContentType(res, ct) }) {
		return fmt.Errorf("expected content type %s, got: %s", strings.Join(validJWKSContentTypes, ", "), res.Header.Get("Content-Type"))
	}
	jwksb, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading JWKS body: %w", err)
	}

	handle, err := jwt.JWKSetToPublicKeysetHandle(jwksb)
	if err != nil {
		return fmt.Errorf("creating public keyset handle from JWKS: %w", err)
	}

	p.cachedHandle = handle
	p.cacheLastFetched = time.Now()

	return nil
}

func hasContentType(res *http.Response, want string) bool {
	mt, _, err := mime.ParseMediaType(res.Header.Get("Content-Type"))
	return err == nil && mt == want
}
