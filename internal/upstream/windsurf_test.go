package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestWindsurfRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["refreshToken"] != "rt-1" {
			t.Errorf("refresh token not sent: %v", body)
		}
		w.Write([]byte(`{"accessToken":"at-new"}`))
	}))
	defer srv.Close()

	w := NewWindsurf(srv.Client(), zap.NewNop(), srv.URL, srv.URL)
	token, err := w.Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token != "at-new" {
		t.Fatalf("got token %q", token)
	}
}

func TestWindsurfRefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := NewWindsurf(srv.Client(), zap.NewNop(), srv.URL, srv.URL)
	_, err := w.Refresh(context.Background(), "dead")
	if !IsAuthRejected(err) {
		t.Fatalf("expected auth rejection, got %v", err)
	}
}

func TestWindsurfRefreshMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	w := NewWindsurf(srv.Client(), zap.NewNop(), srv.URL, srv.URL)
	if _, err := w.Refresh(context.Background(), "rt"); err == nil {
		t.Fatal("empty accessToken must be an error")
	}
}

func TestWindsurfFetchUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("profile_uid"); got != "uid-7" {
			t.Errorf("profile_uid not sent, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("bearer not sent, got %q", got)
		}
		w.Write([]byte(`{"usageBreakdown":[
			{"resource":"flows","currentUsage":1,"usageLimit":10},
			{"resource":"Credits","currentUsage":250,"usageLimit":1000,"resetTime":"2026-09-01T00:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	w := NewWindsurf(srv.Client(), zap.NewNop(), srv.URL, srv.URL)
	usage, err := w.FetchUsage(context.Background(), "at-1", "uid-7")
	if err != nil {
		t.Fatalf("fetch usage: %v", err)
	}
	if usage.CurrentUsage != 250 || usage.UsageLimit != 1000 {
		t.Fatalf("wrong entry: %+v", usage)
	}
	if got := usage.RemainingFraction(); got != 0.75 {
		t.Fatalf("remaining fraction: %v", got)
	}
	if usage.ResetTime.IsZero() {
		t.Fatal("reset time not parsed")
	}
}

func TestWindsurfFetchUsageNoCredits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"usageBreakdown":[{"resource":"flows","currentUsage":1,"usageLimit":10}]}`))
	}))
	defer srv.Close()

	w := NewWindsurf(srv.Client(), zap.NewNop(), srv.URL, srv.URL)
	if _, err := w.FetchUsage(context.Background(), "at", "uid"); err == nil {
		t.Fatal("missing credits entry must be an error")
	}
}

func TestCreditUsageRemainingFraction(t *testing.T) {
	if got := (CreditUsage{CurrentUsage: 5, UsageLimit: 0}).RemainingFraction(); got != 0 {
		t.Fatalf("zero limit must yield 0, got %v", got)
	}
	if got := (CreditUsage{CurrentUsage: 2000, UsageLimit: 1000}).RemainingFraction(); got != 0 {
		t.Fatalf("overused budget must clamp to 0, got %v", got)
	}
	if got := (CreditUsage{CurrentUsage: 0, UsageLimit: 100}).RemainingFraction(); got != 1 {
		t.Fatalf("unused budget must be 1, got %v", got)
	}
}
