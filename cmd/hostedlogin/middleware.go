package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"lds.li/oauth2pkce/pkceclient"
)

type sessionContextKey struct{}

// requireSession wraps next, only calling it when there is a usable session.
// The session is refreshed first if it has expired. Unauthenticated GET
// requests are sent to log in, returning here afterwards.
func (a *app) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.client.ValidSession(r.Context())
		switch {
		case err == nil:
		case errors.Is(err, pkceclient.ErrUnauthenticated):
			if r.Method == http.MethodGet {
				http.Redirect(w, r, "/login?return_to="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
				return
			}
			renderError(w, http.StatusUnauthorized, "You are not logged in.")
			return
		default:
			slog.ErrorContext(r.Context(), "Failed to get session", baseLogAttr, errAttr(err))
			renderError(w, http.StatusBadGateway, "Could not refresh your session, try again shortly.")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, sess)))
	})
}

// sessionFromContext returns the session requireSession validated for the
// request.
func sessionFromContext(ctx context.Context) *pkceclient.Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*pkceclient.Session)
	return sess
}
