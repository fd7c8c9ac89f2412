package upstream

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestParseRetryDelayHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	if d := ParseRetryDelay(fakeResponse(429, h, "")); d != 30*time.Second {
		t.Fatalf("expected 30s, got %v", d)
	}
}

func TestParseRetryDelayGoogleBody(t *testing.T) {
	body := `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","details":[
		{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"3.5s"}]}}`
	resp := fakeResponse(429, nil, body)
	if d := ParseRetryDelay(resp); d != 3500*time.Millisecond {
		t.Fatalf("expected 3.5s, got %v", d)
	}
	// The body must be readable again after parsing.
	restored, err := io.ReadAll(resp.Body)
	if err != nil || !strings.Contains(string(restored), "RESOURCE_EXHAUSTED") {
		t.Fatalf("body not restored: %q, %v", restored, err)
	}
}

func TestParseRetryDelayMetadata(t *testing.T) {
	body := `{"error":{"details":[{"reason":"RATE_LIMIT_EXCEEDED","metadata":{"retryDelay":"12s"}}]}}`
	if d := ParseRetryDelay(fakeResponse(429, nil, body)); d != 12*time.Second {
		t.Fatalf("expected 12s, got %v", d)
	}
}

func TestParseRetryDelayNoHint(t *testing.T) {
	if d := ParseRetryDelay(fakeResponse(429, nil, `{"error":{}}`)); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
	if d := ParseRetryDelay(nil); d != 0 {
		t.Fatalf("nil response must yield 0, got %v", d)
	}
}
