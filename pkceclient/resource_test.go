package pkceclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lds.li/oauth2pkce/internal/testprovider"
)

func TestCallResource(t *testing.T) {
	op := testprovider.New(t, testClientID)
	c := newTestClient(t, op, Config{})
	sess := login(t, c, op, "openid")

	res, err := c.CallResource(t.Context(), sess, ResourceRequest{
		URL: op.APIURL(),
		Header: http.Header{
			"Access-Control-Allow-Origin": {"*"},
			"Authorization":               {"Bearer smuggled"},
			"X-Request-Id":                {"req-1"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want status 200, got %d: %s", res.StatusCode, body)
	}

	reqs := op.APIRequests()
	if len(reqs) != 1 {
		t.Fatalf("want 1 API request, got %d", len(reqs))
	}
	h := reqs[0]
	if got := h.Values("Authorization"); len(got) != 1 || got[0] != "Bearer "+sess.AccessToken {
		t.Errorf("unexpected Authorization header %v", got)
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		t.Error("Access-Control-Allow-Origin must not be sent on requests")
	}
	if h.Get("X-Request-Id") != "req-1" {
		t.Error("caller headers should be forwarded")
	}
}

func TestCallResourceUnauthenticated(t *testing.T) {
	op := testprovider.New(t, testClientID)
	c := newTestClient(t, op, Config{})

	for _, sess := range []*Session{nil, {}} {
		_, err := c.CallResource(t.Context(), sess, ResourceRequest{URL: op.APIURL()})
		if !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("want unauthenticated, got %v", err)
		}
	}
	if n := len(op.APIRequests()); n != 0 {
		t.Errorf("no request should be made without a token, got %d", n)
	}
}

func TestCallResourceAnonymous(t *testing.T) {
	op := testprovider.New(t, testClientID)
	c := newTestClient(t, op, Config{})

	res, err := c.CallResource(t.Context(), nil, ResourceRequest{URL: op.APIURL(), Anonymous: true})
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()

	// the protected resource rejects it, and that is returned as-is.
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("want status 401, got %d", res.StatusCode)
	}
	reqs := op.APIRequests()
	if len(reqs) != 1 {
		t.Fatalf("want 1 API request, got %d", len(reqs))
	}
	if _, ok := reqs[0]["Authorization"]; ok {
		t.Error("anonymous call must not send an Authorization header")
	}
}

func TestCallResourceMethodAndBody(t *testing.T) {
	var (
		gotMethod string
		gotBody   string
	)
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotMethod, gotBody = r.Method, string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(svr.Close)

	c := newEndpointClient(t, WithHTTPClient(svr.Client()))
	res, err := c.CallResource(t.Context(), &Session{AccessToken: "at"}, ResourceRequest{
		Method: http.MethodPost,
		URL:    svr.URL + "/things",
		Body:   strings.NewReader(`{"a":1}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusAccepted || gotMethod != http.MethodPost || gotBody != `{"a":1}` {
		t.Errorf("unexpected request %s %q, status %d", gotMethod, gotBody, res.StatusCode)
	}
}

func TestCallResourceErrors(t *testing.T) {
	c := newEndpointClient(t)
	sess := &Session{AccessToken: "at"}

	if _, err := c.CallResource(t.Context(), sess, ResourceRequest{URL: "/relative"}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("want configuration error for relative URL, got %v", err)
	}

	svr := httptest.NewServer(http.NotFoundHandler())
	closedURL := svr.URL
	svr.Close()
	_, err := c.CallResource(t.Context(), sess, ResourceRequest{URL: closedURL})
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("want network error, got %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := c.CallResource(ctx, sess, ResourceRequest{URL: "https://api.example/"}); !errors.Is(err, ErrNetwork) || !errors.Is(err, context.Canceled) {
		t.Errorf("want cancelled network error, got %v", err)
	}
}
