package pkceclient

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// ErrorKind classifies an *Error.
type ErrorKind string

const (
	// KindConfiguration is bad caller input or client setup. Not retryable.
	KindConfiguration ErrorKind = "configuration"
	// KindStateMismatch means a callback's state matched no login attempt.
	KindStateMismatch ErrorKind = "state_mismatch"
	// KindReplay means the login attempt was already completed or expired,
	// so its verifier is gone.
	KindReplay ErrorKind = "replay"
	// KindTokenExchange is a failed authorization code exchange.
	KindTokenExchange ErrorKind = "token_exchange"
	// KindRefresh is a failed refresh token exchange.
	KindRefresh ErrorKind = "refresh"
	// KindNoRefreshToken means a refresh was requested for a session without a
	// refresh token.
	KindNoRefreshToken ErrorKind = "no_refresh_token"
	// KindUnauthenticated means an operation needed a session and had none.
	KindUnauthenticated ErrorKind = "unauthenticated"
	// KindNetwork is a transport level failure. Callers may retry with
	// backoff, the client never does.
	KindNetwork ErrorKind = "network"
)

// Sentinels for use with errors.Is. They match any *Error of the same kind.
var (
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrStateMismatch   = &Error{Kind: KindStateMismatch}
	ErrReplay          = &Error{Kind: KindReplay}
	ErrTokenExchange   = &Error{Kind: KindTokenExchange}
	ErrRefresh         = &Error{Kind: KindRefresh}
	ErrNoRefreshToken  = &Error{Kind: KindNoRefreshToken}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrNetwork         = &Error{Kind: KindNetwork}
)

// Error is returned by Client operations on the login lifecycle and by
// CallResource.
type Error struct {
	Kind    ErrorKind
	Message string
	// Provider holds the OAuth2 error the authorization server responded
	// with, if any.
	Provider *oauth2.RetrieveError
	// Err is the underlying cause. A token exchange or refresh that failed in
	// transport wraps a KindNetwork error, so it matches both kinds.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("pkceclient: ")
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Provider != nil {
		switch {
		case e.Provider.ErrorCode != "" && e.Provider.ErrorDescription != "":
			fmt.Fprintf(&b, " (%s: %s)", e.Provider.ErrorCode, e.Provider.ErrorDescription)
		case e.Provider.ErrorCode != "":
			fmt.Fprintf(&b, " (%s)", e.Provider.ErrorCode)
		case e.Provider.ErrorDescription != "":
			fmt.Fprintf(&b, " (%s)", e.Provider.ErrorDescription)
		}
	}
	if e.Err != nil && !e.errIsProvider() {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) errIsProvider() bool {
	re, ok := e.Err.(*oauth2.RetrieveError)
	return ok && re == e.Provider
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ProviderErrorCode returns the OAuth2 error code the authorization server
// returned, if err carries one.
func ProviderErrorCode(err error) string {
	var e *Error
	for errors.As(err, &e) {
		if e.Provider != nil {
			return e.Provider.ErrorCode
		}
		err = e.Err
	}
	return ""
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapTokenError classifies a failure from postToken as kind.
func wrapTokenError(kind ErrorKind, msg string, err error) *Error {
	e := &Error{Kind: kind, Message: msg, Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e.Provider = re
	}
	return e
}
