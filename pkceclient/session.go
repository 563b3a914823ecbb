package pkceclient

import (
	"context"
	"maps"
	"slices"
	"time"

	"golang.org/x/oauth2"
	"lds.li/oauth2pkce/claims"
)

// Session is an authenticated session. Sessions handed out by the Client are
// never modified; refresh produces a new Session. A nil *Session is the empty,
// unauthenticated session.
type Session struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	// Expiry of the access token. Zero means the provider gave no lifetime.
	Expiry       time.Time `json:"expiry,omitzero"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	// IDToken is the raw ID token, if one was issued.
	IDToken string        `json:"id_token,omitempty"`
	Claims  claims.Claims `json:"claims,omitempty"`
	// Scopes granted to the access token.
	Scopes []string `json:"scopes,omitempty"`
}

// IsAuthenticated reports whether the session holds an access token.
func (s *Session) IsAuthenticated() bool {
	return s != nil && s.AccessToken != ""
}

// Expired reports whether the access token has expired, or will within
// margin of now.
func (s *Session) Expired(now time.Time, margin time.Duration) bool {
	if s == nil || s.Expiry.IsZero() {
		return false
	}
	return !now.Add(margin).Before(s.Expiry)
}

// Token returns the session as an oauth2.Token, with the ID token available
// via Extra("id_token").
func (s *Session) Token() *oauth2.Token {
	if s == nil {
		return nil
	}
	t := &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    s.TokenType,
		RefreshToken: s.RefreshToken,
		Expiry:       s.Expiry,
	}
	if s.IDToken != "" {
		t = t.WithExtra(map[string]any{"id_token": s.IDToken})
	}
	return t
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Claims = maps.Clone(s.Claims)
	c.Scopes = slices.Clone(s.Scopes)
	return &c
}

// Store persists the session across restarts. The client calls Save after a
// successful login or refresh, and Clear on logout, expiry, or a rejected
// callback.
type Store interface {
	// Load returns the stored session, or nil if there is none.
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}

// State is the client's position in the login lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	// StateAuthorizingPending means a login was started and its callback has
	// not yet arrived.
	StateAuthorizingPending
	StateAuthenticated
	StateRefreshing
	// StateExpired means the access token has expired and has not been
	// refreshed.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthorizingPending:
		return "authorizing_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// Event is delivered to subscribers whenever the state or session changes.
type Event struct {
	State   State
	Session *Session
}
