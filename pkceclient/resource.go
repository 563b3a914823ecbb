package pkceclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"lds.li/oauth2pkce/internal"
)

// ResourceRequest is a call to a protected resource.
type ResourceRequest struct {
	// Method defaults to GET.
	Method string
	// URL must be absolute.
	URL    string
	Header http.Header
	Body   io.Reader
	// Anonymous allows the call to be made without an access token.
	Anonymous bool
}

// CallResource calls a resource server, authenticating with the session's
// access token. The Authorization header is only sent for a non-empty token,
// and any Authorization or Access-Control-* headers in req are dropped.
// Without a token the call fails with KindUnauthenticated before any request
// is made, unless req.Anonymous is set. Transport failures are returned as
// KindNetwork errors, and responses of any status are returned as-is. The
// caller must close the response body.
func (c *Client) CallResource(ctx context.Context, sess *Session, req ResourceRequest) (*http.Response, error) {
	var token string
	if sess != nil {
		token = sess.AccessToken
	}
	if token == "" && !req.Anonymous {
		return nil, newError(KindUnauthenticated, "no access token for resource request")
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Message: "invalid resource URL", Err: err}
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, newError(KindConfiguration, "resource URL %q must be absolute", req.URL)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := internal.WithTimeout(ctx, c.httpTimeout)
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), req.Body)
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindConfiguration, Message: "creating resource request", Err: err}
	}
	for k, vs := range req.Header {
		if !forwardHeader(k) {
			continue
		}
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := internal.HTTPClientFromContext(ctx, c.httpClient).Do(hreq)
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindNetwork, Message: "resource request", Err: err}
	}
	res.Body = &cancelBody{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

// forwardHeader reports whether a caller supplied header may be sent.
// Access-Control-* are response headers, and Authorization is ours to set.
func forwardHeader(name string) bool {
	name = http.CanonicalHeaderKey(name)
	return name != "Authorization" && !strings.HasPrefix(name, "Access-Control-")
}

// cancelBody releases the request's timeout when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
