package provider

import "slices"

// CodeChallengeMethodS256 is the PKCE challenge method this module uses.
const CodeChallengeMethodS256 = "S256"

// Metadata is the subset of OpenID Provider / OAuth2 Authorization Server
// metadata used by the client.
//
// https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
// https://datatracker.ietf.org/doc/html/rfc8414#section-2
type Metadata struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                          string   `json:"jwks_uri,omitempty"`
	RevocationEndpoint               string   `json:"revocation_endpoint,omitempty"`
	EndSessionEndpoint               string   `json:"end_session_endpoint,omitempty"`
	ScopesSupported                  []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported           []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported              []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported,omitempty"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// SupportsS256 reports whether the provider accepts S256 PKCE challenges. A
// provider that does not advertise any methods is assumed to, as OAuth 2.1
// requires it.
func (m *Metadata) SupportsS256() bool {
	if len(m.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	return slices.Contains(m.CodeChallengeMethodsSupported, CodeChallengeMethodS256)
}
