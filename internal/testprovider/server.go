// Package testprovider runs an in-process OpenID provider with a protected
// resource, for exercising the PKCE client end to end in tests.
package testprovider

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tink-crypto/tink-go/v2/jwt"
)

const (
	DefaultSubject       = "auser"
	DefaultTokenLifetime = time.Hour
)

type grant struct {
	clientID      string
	redirectURI   string
	codeChallenge string
	scopes        []string
	nonce         string
}

type tokenFailure struct {
	status      int
	code        string
	description string
	raw         string
}

// Server is the fake provider. Fields may be changed between requests.
type Server struct {
	*httptest.Server

	ClientID string
	Signer   *Signer

	mu                  sync.Mutex
	subject             string
	tokenLifetime       time.Duration
	rotateRefreshTokens bool
	omitIDToken         bool
	nextTokenFailure    *tokenFailure

	codes         map[string]*grant
	refreshTokens map[string]*grant
	accessTokens  map[string]*grant

	tokenRequests []url.Values
	apiRequests   []http.Header
	revoked       []string
}

// New starts a provider for the given client ID, closed when the test ends.
func New(t testing.TB, clientID string) *Server {
	t.Helper()

	signer, err := NewSigner()
	if err != nil {
		t.Fatal(err)
	}

	s := &Server{
		ClientID:      clientID,
		Signer:        signer,
		subject:       DefaultSubject,
		tokenLifetime: DefaultTokenLifetime,
		codes:         make(map[string]*grant),
		refreshTokens: make(map[string]*grant),
		accessTokens:  make(map[string]*grant),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("GET /jwks", s.handleJWKS)
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET /userinfo", s.handleUserinfo)
	mux.HandleFunc("POST /revoke", s.handleRevoke)
	mux.HandleFunc("GET /api/ping", s.handlePing)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// Issuer returns the issuer URL, which is also the discovery base.
func (s *Server) Issuer() string { return s.URL }

// APIURL returns the URL of the protected resource.
func (s *Server) APIURL() string { return s.URL + "/api/ping" }

func (s *Server) SetSubject(sub string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subject = sub
}

func (s *Server) SetTokenLifetime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenLifetime = d
}

// SetRotateRefreshTokens controls whether a refresh issues a new refresh
// token and invalidates the old one.
func (s *Server) SetRotateRefreshTokens(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefreshTokens = rotate
}

// SetOmitIDToken stops ID tokens being issued.
func (s *Server) SetOmitIDToken(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitIDToken = omit
}

// FailNextToken makes the next token endpoint request return an OAuth2 error
// response.
func (s *Server) FailNextToken(status int, code, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTokenFailure = &tokenFailure{status: status, code: code, description: description}
}

// FailNextTokenRaw makes the next token endpoint request return body verbatim
// with the given status and a JSON content type.
func (s *Server) FailNextTokenRaw(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTokenFailure = &tokenFailure{status: status, raw: body}
}

// TokenRequests returns the form bodies of all token endpoint requests.
func (s *Server) TokenRequests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tokenRequests)
}

// APIRequests returns the headers of all requests to the protected resource.
func (s *Server) APIRequests() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.apiRequests)
}

// Revoked returns the tokens passed to the revocation endpoint.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.revoked)
}

// Authorize performs the browser leg of the flow against authURL, auto
// approving the request, and returns the callback URL the provider redirected
// to.
func (s *Server) Authorize(t testing.TB, authURL string) *url.URL {
	t.Helper()

	hc := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	res, err := hc.Get(authURL)
	if err != nil {
		t.Fatalf("authorize request: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusFound {
		t.Fatalf("authorize: want status %d, got %d", http.StatusFound, res.StatusCode)
	}
	loc, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parsing callback location: %v", err)
	}
	return loc
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"userinfo_endpoint":                     s.URL + "/userinfo",
		"jwks_uri":                              s.URL + "/jwks",
		"revocation_endpoint":                   s.URL + "/revoke",
		"end_session_endpoint":                  s.URL + "/logout",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"ES256"},
		"scopes_supported":                      []string{"openid", "profile", "email", "offline_access"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	b, err := s.Signer.JWKS()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	_, _ = w.Write(b)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if q.Get("client_id") != s.ClientID || redirectURI == "" {
		http.Error(w, "invalid client or redirect_uri", http.StatusBadRequest)
		return
	}
	redir, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	rq := redir.Query()
	rq.Set("state", q.Get("state"))
	switch {
	case q.Get("response_type") != "code":
		rq.Set("error", "unsupported_response_type")
	case q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "":
		rq.Set("error", "invalid_request")
		rq.Set("error_description", "PKCE S256 required")
	default:
		code := uuid.NewString()
		s.mu.Lock()
		s.codes[code] = &grant{
			clientID:      s.ClientID,
			redirectURI:   redirectURI,
			codeChallenge: q.Get("code_challenge"),
			scopes:        strings.Fields(q.Get("scope")),
			nonce:         q.Get("nonce"),
		}
		s.mu.Unlock()
		rq.Set("code", code)
	}
	redir.RawQuery = rq.Encode()
	http.Redirect(w, r, redir.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unexpected content type "+ct)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokenRequests = append(s.tokenRequests, r.PostForm)

	if f := s.nextTokenFailure; f != nil {
		s.nextTokenFailure = nil
		if f.raw != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(f.raw))
			return
		}
		writeOAuthError(w, f.status, f.code, f.description)
		return
	}

	if r.PostForm.Get("client_id") != s.ClientID {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.codeToken(w, r.PostForm)
	case "refresh_token":
		s.refreshToken(w, r.PostForm)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant type not supported")
	}
}

// codeToken must be called with mu held.
func (s *Server) codeToken(w http.ResponseWriter, form url.Values) {
	code := form.Get("code")
	g, ok := s.codes[code]
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "invalid code")
		return
	}
	delete(s.codes, code)

	if form.Get("redirect_uri") != g.redirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if !verifyCodeChallenge(form.Get("code_verifier"), g.codeChallenge) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	s.issue(w, g, true)
}

// refreshToken must be called with mu held.
func (s *Server) refreshToken(w http.ResponseWriter, form url.Values) {
	rt := form.Get("refresh_token")
	g, ok := s.refreshTokens[rt]
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "The refresh token is invalid or expired.")
		return
	}
	if scope := form.Get("scope"); scope != "" {
		for _, sc := range strings.Fields(scope) {
			if !slices.Contains(g.scopes, sc) {
				writeOAuthError(w, http.StatusBadRequest, "invalid_scope", "scope exceeds original grant")
				return
			}
		}
	}

	if s.rotateRefreshTokens {
		delete(s.refreshTokens, rt)
	}
	refreshed := *g
	refreshed.nonce = ""
	s.issue(w, &refreshed, s.rotateRefreshTokens)
}

// issue writes a token response. If mintRefresh is set a refresh token is
// included, provided offline_access was granted. Must be called with mu held.
func (s *Server) issue(w http.ResponseWriter, g *grant, mintRefresh bool) {
	now := time.Now()
	at := uuid.NewString()
	s.accessTokens[at] = g

	resp := map[string]any{
		"access_token": at,
		"token_type":   "Bearer",
		"expires_in":   int(s.tokenLifetime.Seconds()),
		"scope":        strings.Join(g.scopes, " "),
	}

	if mintRefresh && slices.Contains(g.scopes, "offline_access") {
		rt := uuid.NewString()
		s.refreshTokens[rt] = g
		resp["refresh_token"] = rt
	}

	if slices.Contains(g.scopes, "openid") && !s.omitIDToken {
		custom := map[string]any{
			"name":  "A User",
			"email": s.subject + "@example.com",
		}
		if g.nonce != "" {
			custom["nonce"] = g.nonce
		}
		raw, err := jwt.NewRawJWT(&jwt.RawJWTOptions{
			Issuer:       &s.URL,
			Audience:     &g.clientID,
			Subject:      &s.subject,
			IssuedAt:     &now,
			ExpiresAt:    ptr(now.Add(s.tokenLifetime)),
			CustomClaims: custom,
		})
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		idt, err := s.Signer.Sign(raw)
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		resp["id_token"] = idt
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.bearerGrant(r); !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "the access token is missing, invalid, expired or revoked")
		return
	}
	s.mu.Lock()
	sub := s.subject
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":   sub,
		"name":  "A User",
		"email": sub + "@example.com",
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}
	tok := r.PostForm.Get("token")
	s.mu.Lock()
	s.revoked = append(s.revoked, tok)
	delete(s.refreshTokens, tok)
	delete(s.accessTokens, tok)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.apiRequests = append(s.apiRequests, r.Header.Clone())
	s.mu.Unlock()

	if _, ok := s.bearerGrant(r); !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "the access token is missing, invalid, expired or revoked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) bearerGrant(r *http.Request) (*grant, bool) {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || tok == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.accessTokens[tok]
	return g, ok
}

func verifyCodeChallenge(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ptr[T any](v T) *T {
	return &v
}
