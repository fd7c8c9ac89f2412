package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wusimpl/antigravity-quota-watcher/internal/auth/google"
	"github.com/wusimpl/antigravity-quota-watcher/internal/engine"
	"github.com/wusimpl/antigravity-quota-watcher/internal/quota"
	"github.com/wusimpl/antigravity-quota-watcher/internal/store"
	"github.com/wusimpl/antigravity-quota-watcher/internal/upstream"
)

type stubProfiles struct{}

func (stubProfiles) LoadProfile(context.Context, string) (*upstream.Profile, error) {
	return &upstream.Profile{ProjectID: "proj-1", Tier: "FREE"}, nil
}

func testAPI(t *testing.T) (*httptest.Server, *store.Store, *quota.Cache) {
	t.Helper()
	dir := t.TempDir()
	sealer := store.NewSealer(filepath.Join(dir, "secret"), zap.NewNop())
	st, err := store.Open(filepath.Join(dir, "test.db"), sealer, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	flow := google.NewFlow(st, stubProfiles{}, http.DefaultClient, "id", "secret", time.Second, zap.NewNop())
	cache := quota.NewCache(zap.NewNop())
	eng := engine.New(st, flow, cache, nil, http.DefaultClient, "id", "secret", 5*time.Minute, zap.NewNop())

	srv := httptest.NewServer(Router(eng, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, st, cache
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return out
}

func postJSON(t *testing.T, url, body string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return out
}

func TestAuthStateEndpoint(t *testing.T) {
	srv, _, _ := testAPI(t)
	out := getJSON(t, srv.URL+"/api/auth/state", http.StatusOK)
	if out["state"] != "not_authenticated" {
		t.Fatalf("state: %v", out["state"])
	}
}

func TestAccountsEndpoint(t *testing.T) {
	srv, st, _ := testAPI(t)

	out := getJSON(t, srv.URL+"/api/accounts", http.StatusOK)
	if out["count"] != float64(0) {
		t.Fatalf("expected empty roster, got %v", out)
	}

	err := st.SaveAccount(store.Account{ID: "acc-1", Email: "a@example.com"}, store.TokenPair{
		AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	out = getJSON(t, srv.URL+"/api/accounts", http.StatusOK)
	if out["count"] != float64(1) {
		t.Fatalf("expected 1 account, got %v", out)
	}
	accounts := out["accounts"].([]any)
	first := accounts[0].(map[string]any)
	if first["email"] != "a@example.com" || first["isActive"] != true {
		t.Fatalf("account view: %v", first)
	}
}

func TestActivateUnknownAccount(t *testing.T) {
	srv, _, _ := testAPI(t)
	postJSON(t, srv.URL+"/api/accounts/nope/activate", "", http.StatusNotFound)
}

func TestQuotaEndpoints(t *testing.T) {
	srv, _, cache := testAPI(t)

	getJSON(t, srv.URL+"/api/quota/acc-1", http.StatusNotFound)

	cache.Put("acc-1", quota.Snapshot{
		Timestamp: time.Now(),
		Tier:      "FREE",
		Entries:   []quota.Entry{quota.NewEntry("gemini-3-pro", "Gemini 3 Pro", 0.5, time.Time{})},
	})

	out := getJSON(t, srv.URL+"/api/quota/acc-1", http.StatusOK)
	if out["tier"] != "FREE" {
		t.Fatalf("snapshot: %v", out)
	}
	entries := out["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries: %v", entries)
	}

	all := getJSON(t, srv.URL+"/api/quota", http.StatusOK)
	if _, ok := all["acc-1"]; !ok {
		t.Fatalf("all quotas missing key: %v", all)
	}
}

func TestLogoutEndpointEmptyRoster(t *testing.T) {
	srv, _, _ := testAPI(t)
	postJSON(t, srv.URL+"/api/logout", "", http.StatusNotFound)
}

func TestHistoryEndpoint(t *testing.T) {
	srv, st, _ := testAPI(t)
	err := st.AppendSamples([]store.QuotaSample{{
		AccountID: "acc-1", Model: "gemini-3-pro", RemainingFraction: 0.4, Timestamp: time.Now(),
	}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	out := getJSON(t, srv.URL+"/api/quota/acc-1/history?limit=10", http.StatusOK)
	if out["count"] != float64(1) {
		t.Fatalf("history: %v", out)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	srv, _, _ := testAPI(t)
	postJSON(t, srv.URL+"/api/refresh", "", http.StatusAccepted)
}
