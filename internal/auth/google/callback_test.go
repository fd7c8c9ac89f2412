package google

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"
)

func startCallback(t *testing.T, state string) (*CallbackServer, string) {
	t.Helper()
	cb := NewCallbackServer(state, zap.NewNop())
	uri, err := cb.Start()
	if err != nil {
		t.Fatalf("start callback server: %v", err)
	}
	t.Cleanup(cb.Stop)
	return cb, uri
}

func hitCallback(t *testing.T, baseURI string, params url.Values) *http.Response {
	t.Helper()
	resp, err := http.Get(baseURI + "?" + params.Encode())
	if err != nil {
		t.Fatalf("hit callback: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestCallbackDeliversCode(t *testing.T) {
	cb, uri := startCallback(t, "state-1")

	resp := hitCallback(t, uri, url.Values{"state": {"state-1"}, "code": {"auth-code"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	code, err := cb.Await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if code != "auth-code" {
		t.Fatalf("code %q", code)
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	cb, uri := startCallback(t, "state-1")

	// A valid code with the wrong state must still fail.
	resp := hitCallback(t, uri, url.Values{"state": {"attacker"}, "code": {"auth-code"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}

	_, err := cb.Await(context.Background())
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
}

func TestCallbackProviderError(t *testing.T) {
	cb, uri := startCallback(t, "state-1")

	hitCallback(t, uri, url.Values{
		"error":             {"access_denied"},
		"error_description": {"user declined"},
	})

	_, err := cb.Await(context.Background())
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Code != "access_denied" {
		t.Fatalf("code %q", pe.Code)
	}
}

func TestCallbackMissingCode(t *testing.T) {
	cb, uri := startCallback(t, "state-1")

	hitCallback(t, uri, url.Values{"state": {"state-1"}})

	_, err := cb.Await(context.Background())
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}

func TestCallbackDuplicateRedirect(t *testing.T) {
	cb, uri := startCallback(t, "state-1")

	hitCallback(t, uri, url.Values{"state": {"state-1"}, "code": {"first"}})
	resp := hitCallback(t, uri, url.Values{"state": {"state-1"}, "code": {"second"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate redirect: status %d", resp.StatusCode)
	}

	code, err := cb.Await(context.Background())
	if err != nil || code != "first" {
		t.Fatalf("first redirect must win: %q, %v", code, err)
	}
}

func TestCallbackTimeout(t *testing.T) {
	cb, _ := startCallback(t, "state-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cb.Await(ctx)
	if !errors.Is(err, ErrCallbackTimeout) {
		t.Fatalf("expected ErrCallbackTimeout, got %v", err)
	}
}

func TestCallbackCancellation(t *testing.T) {
	cb, _ := startCallback(t, "state-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cb.Await(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
