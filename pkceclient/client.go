// Package pkceclient is an OAuth2 public client that logs a user in with the
// authorization code flow and PKCE, keeps the resulting session refreshed, and
// calls protected resources with it.
package pkceclient

import (
	"cmp"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"lds.li/oauth2pkce/claims"
	"lds.li/oauth2pkce/internal"
	"lds.li/oauth2pkce/provider"
)

const (
	// DefaultPendingLoginTimeout is how long a login attempt waits for its
	// callback.
	DefaultPendingLoginTimeout = 10 * time.Minute
	// DefaultHTTPTimeout bounds each request to the authorization server or a
	// resource.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultExpiryMargin is how long before expiry an access token is treated
	// as expired by ValidSession.
	DefaultExpiryMargin = 30 * time.Second
)

const scopeOpenID = "openid"

var baseLogAttr = slog.String("component", "pkceclient")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Config configures a Client.
type Config struct {
	// ClientID of this public client. Required.
	ClientID string
	// Provider is the discovered authorization server. When set, it supplies
	// the endpoint and enables ID token verification, userinfo, revocation and
	// RP-initiated logout.
	Provider *provider.Provider
	// Endpoint is used when Provider is not set.
	Endpoint oauth2.Endpoint
	// Store persists the session. Optional.
	Store Store
	// PendingLoginTimeout defaults to DefaultPendingLoginTimeout.
	PendingLoginTimeout time.Duration
	// HTTPTimeout defaults to DefaultHTTPTimeout.
	HTTPTimeout time.Duration
	// ExpiryMargin defaults to DefaultExpiryMargin.
	ExpiryMargin time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for all requests, unless the context
// carries one under oauth2.HTTPClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger, which defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client manages a single logical session. It is safe for concurrent use.
type Client struct {
	clientID       string
	provider       *provider.Provider
	endpoint       oauth2.Endpoint
	store          Store
	pendingTimeout time.Duration
	httpTimeout    time.Duration
	expiryMargin   time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
	now            func() time.Time

	pending      *pendingStore
	refreshGroup singleflight.Group

	// opMu serialises replacing and clearing the session.
	opMu sync.Mutex

	mu         sync.RWMutex
	session    *Session
	generation uint64
	// resets counts logouts and other full resets, which abandon any login
	// exchange in flight.
	resets     uint64
	refreshing int

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// AuthorizationRedirect is where to send the user to log in.
type AuthorizationRedirect struct {
	URL           string
	State         string
	CodeChallenge string
	// ExpiresAt is when the attempt stops accepting a callback.
	ExpiresAt time.Time
}

// CallbackParams are the query parameters the authorization server sends to
// the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	ErrorURI         string
}

// ParseCallback reads CallbackParams from a redirect URI query.
func ParseCallback(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		ErrorURI:         q.Get("error_uri"),
	}
}

// LogoutResult describes what Logout did beyond clearing the session.
type LogoutResult struct {
	// Revoked is set if the authorization server accepted the revocation.
	Revoked bool
	// EndSessionURL is where to send the user to end their session at the
	// provider. Empty if the provider does not support it.
	EndSessionURL string
}

// New creates a client. It fails with a KindConfiguration error if the
// configuration can not be used for a PKCE flow.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, newError(KindConfiguration, "client ID is required")
	}
	ep := cfg.Endpoint
	if cfg.Provider != nil {
		if cfg.Provider.Metadata == nil {
			return nil, newError(KindConfiguration, "provider has no metadata")
		}
		if !cfg.Provider.SupportsS256() {
			return nil, newError(KindConfiguration, "provider does not support %s PKCE", provider.CodeChallengeMethodS256)
		}
		ep = cfg.Provider.Endpoint()
	}
	if ep.AuthURL == "" || ep.TokenURL == "" {
		return nil, newError(KindConfiguration, "authorization and token endpoints are required")
	}

	c := &Client{
		clientID:       cfg.ClientID,
		provider:       cfg.Provider,
		endpoint:       ep,
		store:          cfg.Store,
		pendingTimeout: cmp.Or(cfg.PendingLoginTimeout, DefaultPendingLoginTimeout),
		httpTimeout:    cmp.Or(cfg.HTTPTimeout, DefaultHTTPTimeout),
		expiryMargin:   cmp.Or(cfg.ExpiryMargin, DefaultExpiryMargin),
		logger:         slog.Default(),
		now:            time.Now,
		subs:           make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(c)
	}
	c.pending = newPendingStore(2 * c.pendingTimeout)
	return c, nil
}

// InitiateLogin starts a login attempt, returning the authorization URL to
// send the user to. The attempt is valid until its callback is completed or it
// times out.
func (c *Client) InitiateLogin(ctx context.Context, redirectURI string, scopes []string) (*AuthorizationRedirect, error) {
	if err := validateRedirectURI(redirectURI); err != nil {
		return nil, err
	}
	scopes, err := normalizeScopes(scopes)
	if err != nil {
		return nil, err
	}

	var (
		verifier = oauth2.GenerateVerifier()
		state    = rand.Text()
		nonce    string
		opts     = []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	)
	if slices.Contains(scopes, scopeOpenID) {
		nonce = rand.Text()
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}

	o2cfg := oauth2.Config{
		ClientID:    c.clientID,
		Endpoint:    c.endpoint,
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}

	now := c.now()
	pl := &pendingLogin{
		State:       state,
		Verifier:    verifier,
		RedirectURI: redirectURI,
		Scopes:      scopes,
		Nonce:       nonce,
		ExpiresAt:   now.Add(c.pendingTimeout),
	}
	c.pending.put(pl, now)

	c.logger.DebugContext(ctx, "Login initiated", baseLogAttr, slog.Time("expires_at", pl.ExpiresAt))
	c.publish()

	return &AuthorizationRedirect{
		URL:           o2cfg.AuthCodeURL(state, opts...),
		State:         state,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		ExpiresAt:     pl.ExpiresAt,
	}, nil
}

// CompleteLogin handles the authorization server's callback, exchanging the
// code for tokens. On success the new session becomes current.
//
// A state that matches no attempt, or one already used or timed out, fails
// without any token request and clears the current session. A login still
// exchanging its code when Logout runs is discarded with a KindReplay error.
func (c *Client) CompleteLogin(ctx context.Context, params CallbackParams) (*Session, error) {
	c.mu.RLock()
	resets := c.resets
	c.mu.RUnlock()

	pl, res := c.pending.consume(params.State, c.now())
	switch res {
	case consumeUnknown:
		c.logger.WarnContext(ctx, "Callback state did not match any login attempt", baseLogAttr)
		c.reset(ctx)
		return nil, newError(KindStateMismatch, "state does not match a login attempt")
	case consumeSpent:
		c.logger.WarnContext(ctx, "Callback for a completed or expired login attempt", baseLogAttr)
		c.reset(ctx)
		return nil, newError(KindReplay, "login attempt was already completed or has expired")
	}
	// the attempt is no longer pending, whatever happens next.
	defer c.publish()

	if params.Error != "" {
		return nil, &Error{
			Kind:    KindTokenExchange,
			Message: "authorization denied",
			Provider: &oauth2.RetrieveError{
				ErrorCode:        params.Error,
				ErrorDescription: params.ErrorDescription,
				ErrorURI:         params.ErrorURI,
			},
		}
	}
	if params.Code == "" {
		return nil, newError(KindConfiguration, "callback has no code")
	}

	tr, err := c.exchange(ctx, pl, params.Code)
	if err != nil {
		c.logger.InfoContext(ctx, "Authorization code exchange failed", baseLogAttr, errAttr(err))
		return nil, wrapTokenError(KindTokenExchange, "exchanging authorization code", err)
	}

	sess := sessionFromToken(tr, c.now())
	if sess.Scopes == nil {
		sess.Scopes = slices.Clone(pl.Scopes)
	}
	if sess.IDToken != "" {
		cl, err := c.idTokenClaims(ctx, sess.IDToken)
		if err != nil {
			return nil, &Error{Kind: KindTokenExchange, Message: "invalid id_token", Err: err}
		}
		if pl.Nonce != "" && cl.Nonce() != pl.Nonce {
			return nil, newError(KindTokenExchange, "id_token nonce does not match login attempt")
		}
		sess.Claims = cl
	}

	c.opMu.Lock()
	c.mu.Lock()
	install := c.resets == resets
	if install {
		c.session = sess
	}
	c.mu.Unlock()
	if install {
		c.save(ctx, sess)
	}
	c.opMu.Unlock()
	if !install {
		c.logger.InfoContext(ctx, "Discarding login that completed after logout", baseLogAttr)
		return nil, newError(KindReplay, "login attempt was abandoned by logout")
	}

	c.logger.InfoContext(ctx, "Login completed", baseLogAttr, slog.String("sub", sess.Claims.Subject()))
	return sess, nil
}

// Refresh exchanges the session's refresh token for a new session. The new
// session replaces the current one if the current one is sess or has the same
// refresh token. On failure nothing changes. Concurrent refreshes of the same
// refresh token share one token request.
func (c *Client) Refresh(ctx context.Context, sess *Session) (*Session, error) {
	if sess == nil || sess.RefreshToken == "" {
		return nil, newError(KindNoRefreshToken, "session has no refresh token")
	}
	v, err, _ := c.refreshGroup.Do(sess.RefreshToken, func() (any, error) {
		return c.doRefresh(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (c *Client) doRefresh(ctx context.Context, sess *Session) (*Session, error) {
	c.mu.Lock()
	c.refreshing++
	gen := c.generation
	c.mu.Unlock()
	c.publish()
	defer func() {
		c.mu.Lock()
		c.refreshing--
		c.mu.Unlock()
		c.publish()
	}()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {sess.RefreshToken},
		"client_id":     {c.clientID},
	}
	if len(sess.Scopes) > 0 {
		form.Set("scope", strings.Join(sess.Scopes, " "))
	}

	tr, err := c.postToken(ctx, form)
	if err != nil {
		c.logger.InfoContext(ctx, "Token refresh failed", baseLogAttr, errAttr(err))
		return nil, wrapTokenError(KindRefresh, "refreshing token", err)
	}

	ns := sessionFromToken(tr, c.now())
	if ns.RefreshToken == "" {
		ns.RefreshToken = sess.RefreshToken
	}
	if ns.Scopes == nil {
		ns.Scopes = slices.Clone(sess.Scopes)
	}
	if ns.IDToken == "" {
		ns.IDToken = sess.IDToken
		ns.Claims = maps.Clone(sess.Claims)
	} else {
		cl, err := c.idTokenClaims(ctx, ns.IDToken)
		if err != nil {
			return nil, &Error{Kind: KindRefresh, Message: "invalid id_token", Err: err}
		}
		ns.Claims = cl
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	install := c.generation == gen && (c.session == nil || c.session.RefreshToken == sess.RefreshToken)
	if install {
		c.session = ns
	}
	c.mu.Unlock()
	if install {
		c.save(ctx, ns)
	}

	c.logger.DebugContext(ctx, "Token refreshed", baseLogAttr, slog.Bool("installed", install))
	return ns, nil
}

// ValidSession returns the current session, refreshing it first if the access
// token has expired. If it can not be refreshed the session is cleared and a
// KindUnauthenticated error is returned. A refresh that fails in transport
// leaves the session in place and returns the error.
func (c *Client) ValidSession(ctx context.Context) (*Session, error) {
	sess := c.Session()
	if !sess.IsAuthenticated() {
		return nil, newError(KindUnauthenticated, "not logged in")
	}
	now := c.now()
	if !sess.Expired(now, c.expiryMargin) {
		return sess, nil
	}
	if sess.RefreshToken == "" {
		c.expire(ctx, sess)
		return nil, newError(KindUnauthenticated, "session expired")
	}

	ns, err := c.Refresh(ctx, sess)
	if err == nil {
		return ns, nil
	}
	if errors.Is(err, ErrNetwork) {
		if !sess.Expired(now, 0) {
			return sess, nil
		}
		return nil, err
	}
	c.expire(ctx, sess)
	return nil, &Error{Kind: KindUnauthenticated, Message: "session expired and could not be refreshed", Err: err}
}

// TokenSource returns a token source backed by ValidSession, for use with
// oauth2.NewClient.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &sessionTokenSource{ctx: ctx, c: c}
}

type sessionTokenSource struct {
	ctx context.Context
	c   *Client
}

func (s *sessionTokenSource) Token() (*oauth2.Token, error) {
	sess, err := s.c.ValidSession(s.ctx)
	if err != nil {
		return nil, err
	}
	return sess.Token(), nil
}

// Userinfo fetches the provider's userinfo for the session into into.
func (c *Client) Userinfo(ctx context.Context, sess *Session, into any) error {
	if !sess.IsAuthenticated() {
		return newError(KindUnauthenticated, "not logged in")
	}
	if c.provider == nil || c.provider.Metadata.UserinfoEndpoint == "" {
		return newError(KindConfiguration, "provider has no userinfo endpoint")
	}
	ctx, cancel := internal.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, internal.HTTPClientFromContext(ctx, c.httpClient))

	if err := c.provider.Userinfo(ctx, oauth2.StaticTokenSource(sess.Token()), into); err != nil {
		return fmt.Errorf("fetching userinfo: %w", err)
	}
	return nil
}

// Logout clears the session and all pending login attempts. If the provider
// supports it the refresh token, or failing that the access token, is
// revoked; a failed revocation is logged and reported in the result, not
// returned. postLogoutRedirectURI is optional.
func (c *Client) Logout(ctx context.Context, postLogoutRedirectURI string) (*LogoutResult, error) {
	if postLogoutRedirectURI != "" {
		if err := validateRedirectURI(postLogoutRedirectURI); err != nil {
			return nil, err
		}
	}

	sess := c.reset(ctx)
	res := &LogoutResult{}
	if sess == nil || c.provider == nil {
		return res, nil
	}

	if c.provider.Metadata.RevocationEndpoint != "" {
		tok, hint := sess.RefreshToken, "refresh_token"
		if tok == "" {
			tok, hint = sess.AccessToken, "access_token"
		}
		if err := c.revoke(ctx, tok, hint); err != nil {
			c.logger.WarnContext(ctx, "Token revocation failed", baseLogAttr, errAttr(err))
		} else {
			res.Revoked = true
		}
	}

	if ep := c.provider.Metadata.EndSessionEndpoint; ep != "" {
		u, err := url.Parse(ep)
		if err != nil {
			c.logger.WarnContext(ctx, "Invalid end_session_endpoint", baseLogAttr, errAttr(err))
			return res, nil
		}
		q := u.Query()
		q.Set("client_id", c.clientID)
		if sess.IDToken != "" {
			q.Set("id_token_hint", sess.IDToken)
		}
		if postLogoutRedirectURI != "" {
			q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
		}
		u.RawQuery = q.Encode()
		res.EndSessionURL = u.String()
	}

	c.logger.InfoContext(ctx, "Logged out", baseLogAttr, slog.Bool("revoked", res.Revoked))
	return res, nil
}

func (c *Client) revoke(ctx context.Context, token, hint string) error {
	ctx, cancel := internal.WithTimeout(ctx, c.httpTimeout)
	defer cancel()

	form := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
		"client_id":       {c.clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.provider.Metadata.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := internal.HTTPClientFromContext(ctx, c.httpClient).Do(req)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation failed with status %d", res.StatusCode)
	}
	return nil
}

// Restore loads the session from the store and makes it current. It returns
// nil if there is no store or no stored session.
func (c *Client) Restore(ctx context.Context) (*Session, error) {
	if c.store == nil {
		return nil, nil
	}
	sess, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if !sess.IsAuthenticated() {
		return nil, nil
	}

	c.opMu.Lock()
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.opMu.Unlock()

	c.publish()
	return sess, nil
}

// Session returns the current session, or nil. The returned session must not
// be modified.
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.refreshing > 0:
		return StateRefreshing
	case c.session.IsAuthenticated() && c.session.Expired(now, 0):
		return StateExpired
	case c.session.IsAuthenticated():
		return StateAuthenticated
	case c.pending.active(now):
		return StateAuthorizingPending
	}
	return StateUnauthenticated
}

// Subscribe registers fn to be called after every state or session change.
// fn is called synchronously and must not block. The returned func
// unsubscribes.
func (c *Client) Subscribe(fn func(Event)) (cancel func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Client) publish() {
	c.publishEvent(Event{State: c.State(), Session: c.Session()})
}

func (c *Client) publishEvent(ev Event) {
	c.subMu.Lock()
	subs := slices.Collect(maps.Values(c.subs))
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// reset clears the session, the store and all pending attempts, returning the
// session that was cleared.
func (c *Client) reset(ctx context.Context) *Session {
	c.opMu.Lock()
	c.mu.Lock()
	prev := c.session
	c.session = nil
	c.generation++
	c.resets++
	c.mu.Unlock()
	c.pending.clear(c.now())
	c.clearStore(ctx)
	c.opMu.Unlock()

	c.publish()
	return prev
}

// expire clears sess if it is still current.
func (c *Client) expire(ctx context.Context, sess *Session) {
	c.opMu.Lock()
	c.mu.Lock()
	current := c.session == sess
	if current {
		c.session = nil
		c.generation++
	}
	c.mu.Unlock()
	if current {
		c.clearStore(ctx)
	}
	c.opMu.Unlock()

	if current {
		c.logger.InfoContext(ctx, "Session expired", baseLogAttr)
		c.publishEvent(Event{State: StateExpired, Session: sess})
		c.publish()
	}
}

func (c *Client) save(ctx context.Context, sess *Session) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, sess); err != nil {
		c.logger.ErrorContext(ctx, "Failed to save session", baseLogAttr, errAttr(err))
	}
}

func (c *Client) clearStore(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.Clear(ctx); err != nil {
		c.logger.ErrorContext(ctx, "Failed to clear session", baseLogAttr, errAttr(err))
	}
}

// idTokenClaims verifies the ID token against the provider's keys when they
// are known, otherwise it only decodes it. The token came straight from the
// token endpoint over TLS, so decoding alone is acceptable.
func (c *Client) idTokenClaims(ctx context.Context, idToken string) (claims.Claims, error) {
	if c.provider == nil || c.provider.Metadata.JWKSURI == "" {
		return claims.Decode(idToken)
	}
	ctx, cancel := internal.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, internal.HTTPClientFromContext(ctx, c.httpClient))
	return c.provider.VerifyIDToken(ctx, idToken, c.clientID)
}

func validateRedirectURI(raw string) error {
	if raw == "" {
		return newError(KindConfiguration, "redirect URI is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &Error{Kind: KindConfiguration, Message: "invalid redirect URI", Err: err}
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return newError(KindConfiguration, "redirect URI %q must be an absolute http(s) URL", raw)
	}
	if u.Fragment != "" {
		return newError(KindConfiguration, "redirect URI %q must not contain a fragment", raw)
	}
	return nil
}

// normalizeScopes checks each scope is a valid scope-token and removes
// duplicates, keeping order.
func normalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return nil, newError(KindConfiguration, "at least one scope is required")
	}
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if !validScope(s) {
			return nil, newError(KindConfiguration, "invalid scope %q", s)
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// validScope reports if s is a scope-token per RFC 6749 section 3.3.
func validScope(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x21 || b > 0x7e || b == '"' || b == '\\' {
			return false
		}
	}
	return true
}
