package internal

import (
	"context"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestWithTimeout(t *testing.T) {
	t.Run("adds deadline", func(t *testing.T) {
		before := time.Now()
		ctx, cancel := WithTimeout(t.Context(), time.Minute)
		defer cancel()
		dl, ok := ctx.Deadline()
		if !ok {
			t.Fatal("want a deadline")
		}
		if dl.Before(before.Add(time.Minute)) || dl.After(time.Now().Add(time.Minute)) {
			t.Errorf("deadline %s is not a minute from now", dl)
		}
	})

	t.Run("keeps earlier parent deadline", func(t *testing.T) {
		parent, pcancel := context.WithTimeout(t.Context(), time.Second)
		defer pcancel()
		want, _ := parent.Deadline()

		ctx, cancel := WithTimeout(parent, time.Hour)
		defer cancel()
		if dl, _ := ctx.Deadline(); !dl.Equal(want) {
			t.Errorf("want parent deadline %s, got %s", want, dl)
		}
	})

	t.Run("shortens later parent deadline", func(t *testing.T) {
		parent, pcancel := context.WithTimeout(t.Context(), time.Hour)
		defer pcancel()
		later, _ := parent.Deadline()

		ctx, cancel := WithTimeout(parent, time.Second)
		defer cancel()
		if dl, _ := ctx.Deadline(); !dl.Before(later) {
			t.Errorf("deadline %s should be before the parent's %s", dl, later)
		}
	})

	t.Run("zero disables", func(t *testing.T) {
		ctx, cancel := WithTimeout(t.Context(), 0)
		if _, ok := ctx.Deadline(); ok {
			t.Error("zero timeout should not add a deadline")
		}
		cancel()
		if ctx.Err() == nil {
			t.Error("cancel should still cancel the context")
		}
	})
}

func TestHTTPClientFromContext(t *testing.T) {
	explicit, fromCtx := &http.Client{}, &http.Client{}

	if got := HTTPClientFromContext(t.Context(), nil); got != http.DefaultClient {
		t.Error("want default client")
	}
	if got := HTTPClientFromContext(t.Context(), explicit); got != explicit {
		t.Error("want explicit client")
	}
	ctx := context.WithValue(t.Context(), oauth2.HTTPClient, fromCtx)
	if got := HTTPClientFromContext(ctx, explicit); got != fromCtx {
		t.Error("context client should take precedence")
	}
}
