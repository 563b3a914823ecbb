package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"lds.li/oauth2pkce/pkceclient"
	"lds.li/oauth2pkce/provider"
	"lds.li/oauth2pkce/sessionstore"
)

// maxAPIBody bounds how much of the API response is shown.
const maxAPIBody = 64 << 10

var reservedPaths = map[string]bool{
	"/":        true,
	"/login":   true,
	"/profile": true,
	"/api":     true,
	"/refresh": true,
	"/logout":  true,
}

type app struct {
	cfg    *Config
	client *pkceclient.Client

	returnToMu sync.Mutex
	now        func() time.Time
	// returnTo tracks where to send the user after login, by state. Entries
	// live as long as their login attempt.
	returnTo map[string]returnTarget
}

type returnTarget struct {
	path      string
	expiresAt time.Time
}

func newApp(ctx context.Context, cfg *Config, opts ...pkceclient.Option) (*app, error) {
	p, err := provider.Discover(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering provider: %w", err)
	}

	var store pkceclient.Store = &sessionstore.Memory{}
	if cfg.SessionFile != "" {
		store = &sessionstore.WriteThrough{Store: &sessionstore.File{Path: cfg.SessionFile}}
	}

	client, err := pkceclient.New(pkceclient.Config{
		ClientID: cfg.ClientID,
		Provider: p,
		Store:    store,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	client.Subscribe(func(ev pkceclient.Event) {
		slog.Debug("Session state changed", baseLogAttr, slog.String("state", ev.State.String()))
	})

	if sess, err := client.Restore(ctx); err != nil {
		slog.WarnContext(ctx, "Failed to restore session", baseLogAttr, errAttr(err))
	} else if sess != nil {
		slog.InfoContext(ctx, "Restored session", baseLogAttr, slog.String("sub", sess.Claims.Subject()))
	}

	return &app{
		cfg:      cfg,
		client:   client,
		now:      time.Now,
		returnTo: make(map[string]returnTarget),
	}, nil
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.handleHome)
	mux.HandleFunc("GET /login", a.handleLogin)
	mux.HandleFunc("GET "+a.cfg.callbackPath(), a.handleCallback)
	mux.Handle("GET /profile", a.requireSession(http.HandlerFunc(a.handleProfile)))
	mux.Handle("POST /api", a.requireSession(http.HandlerFunc(a.handleAPI)))
	mux.Handle("POST /refresh", a.requireSession(http.HandlerFunc(a.handleRefresh)))
	mux.HandleFunc("POST /logout", a.handleLogout)
	return mux
}

func (a *app) handleHome(w http.ResponseWriter, r *http.Request) {
	sess := a.client.Session()
	render(w, http.StatusOK, "home.html", pageData{
		Title:   "Home",
		Session: sess,
		Claims:  claimRows(sess),
		State:   a.client.State().String(),
	})
}

func (a *app) handleLogin(w http.ResponseWriter, r *http.Request) {
	ar, err := a.client.InitiateLogin(r.Context(), a.cfg.RedirectURL, a.cfg.Scopes)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to start login", baseLogAttr, errAttr(err))
		renderError(w, http.StatusInternalServerError, "Could not start login.")
		return
	}
	a.returnToMu.Lock()
	now := a.now()
	maps.DeleteFunc(a.returnTo, func(_ string, t returnTarget) bool { return !now.Before(t.expiresAt) })
	if rt := r.URL.Query().Get("return_to"); isLocalPath(rt) {
		a.returnTo[ar.State] = returnTarget{path: rt, expiresAt: ar.ExpiresAt}
	}
	a.returnToMu.Unlock()
	http.Redirect(w, r, ar.URL, http.StatusFound)
}

func (a *app) handleCallback(w http.ResponseWriter, r *http.Request) {
	params := pkceclient.ParseCallback(r.URL.Query())

	a.returnToMu.Lock()
	returnTo := a.returnTo[params.State].path
	delete(a.returnTo, params.State)
	a.returnToMu.Unlock()

	if _, err := a.client.CompleteLogin(r.Context(), params); err != nil {
		slog.WarnContext(r.Context(), "Login failed", baseLogAttr, errAttr(err))
		status, msg := http.StatusBadGateway, "Login failed."
		switch {
		case errors.Is(err, pkceclient.ErrStateMismatch), errors.Is(err, pkceclient.ErrReplay):
			status, msg = http.StatusBadRequest, "This login link is invalid or has already been used. Please log in again."
		case errors.Is(err, pkceclient.ErrConfiguration):
			status = http.StatusBadRequest
		case pkceclient.ProviderErrorCode(err) != "":
			status, msg = http.StatusBadRequest, "The provider rejected the login: "+pkceclient.ProviderErrorCode(err)
		}
		renderError(w, status, msg)
		return
	}

	http.Redirect(w, r, cmp.Or(returnTo, "/"), http.StatusSeeOther)
}

func (a *app) handleProfile(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	var userinfo map[string]any
	if err := a.client.Userinfo(r.Context(), sess, &userinfo); err != nil {
		slog.WarnContext(r.Context(), "Failed to fetch userinfo", baseLogAttr, errAttr(err))
	}
	render(w, http.StatusOK, "profile.html", pageData{
		Title:    "Profile",
		Session:  sess,
		Claims:   claimRows(sess),
		Userinfo: mapRows(userinfo),
	})
}

func (a *app) handleAPI(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	reqID := uuid.NewString()

	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("X-Request-ID", reqID)

	res, err := a.client.CallResource(r.Context(), sess, pkceclient.ResourceRequest{
		URL:    a.cfg.APIURL,
		Header: h,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "API call failed", baseLogAttr, slog.String("request_id", reqID), errAttr(err))
		render(w, http.StatusBadGateway, "result.html", pageData{
			Title:  "API call",
			Result: &result{RequestID: reqID, Error: err.Error()},
		})
		return
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxAPIBody))
	if err != nil {
		slog.WarnContext(r.Context(), "Reading API response failed", baseLogAttr, errAttr(err))
	}
	slog.InfoContext(r.Context(), "API called", baseLogAttr, slog.String("request_id", reqID), slog.Int("status", res.StatusCode))

	render(w, http.StatusOK, "result.html", pageData{
		Title: "API call",
		Result: &result{
			RequestID: reqID,
			Status:    res.Status,
			Body:      strings.TrimSpace(string(body)),
		},
	})
}

func (a *app) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	ns, err := a.client.Refresh(r.Context(), sess)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, pkceclient.ErrNoRefreshToken) {
			status = http.StatusBadRequest
		}
		slog.WarnContext(r.Context(), "Refresh failed", baseLogAttr, errAttr(err))
		render(w, status, "result.html", pageData{
			Title:  "Token refresh",
			Result: &result{Error: err.Error()},
		})
		return
	}

	render(w, http.StatusOK, "result.html", pageData{
		Title: "Token refresh",
		Result: &result{
			Status: "Token refreshed",
			Body:   "New access token expires " + ns.Expiry.Format("2006-01-02 15:04:05 MST"),
		},
	})
}

func (a *app) handleLogout(w http.ResponseWriter, r *http.Request) {
	res, err := a.client.Logout(r.Context(), a.cfg.PostLogoutRedirectURL)
	if err != nil {
		slog.ErrorContext(r.Context(), "Logout failed", baseLogAttr, errAttr(err))
		renderError(w, http.StatusInternalServerError, "Logout failed.")
		return
	}
	http.Redirect(w, r, cmp.Or(res.EndSessionURL, "/"), http.StatusSeeOther)
}

// isLocalPath reports if p is a path on this app, and not a URL that would
// send the user elsewhere.
func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	u, err := url.Parse(p)
	return err == nil && u.Host == "" && u.Scheme == ""
}
