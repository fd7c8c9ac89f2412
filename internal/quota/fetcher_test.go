package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wusimpl/antigravity-quota-watcher/internal/auth/windsurf"
	"github.com/wusimpl/antigravity-quota-watcher/internal/upstream"
)

func testWindsurfLoader(t *testing.T, creds map[string]any) *windsurf.Loader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.json")
	data, err := json.Marshal(creds)
	if err != nil {
		t.Fatalf("marshal creds: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	l := windsurf.NewLoader(path, zap.NewNop())
	l.Initialize()
	return l
}

func TestWindsurfFetcherNoCredentials(t *testing.T) {
	l := windsurf.NewLoader(filepath.Join(t.TempDir(), "missing.json"), zap.NewNop())
	l.Initialize()
	f := NewWindsurfFetcher(l, nil, time.Minute, zap.NewNop())

	keys, err := f.AccountKeys()
	if err != nil {
		t.Fatalf("account keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("unauthenticated loader must yield no keys, got %v", keys)
	}
}

func TestWindsurfFetcherRefreshesAndFetches(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/refresh":
			refreshes.Add(1)
			w.Write([]byte(`{"accessToken":"at-fresh"}`))
		case "/usage":
			if got := r.Header.Get("Authorization"); got != "Bearer at-fresh" {
				t.Errorf("usage called with %q", got)
			}
			w.Write([]byte(`{"usageBreakdown":[{"resource":"credits","currentUsage":100,"usageLimit":400}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	// No expiresAt and an opaque token: counts as expired, forcing a refresh.
	loader := testWindsurfLoader(t, map[string]any{
		"accessToken":  "at-stale",
		"refreshToken": "rt-1",
		"profileUid":   "uid-1",
	})
	client := upstream.NewWindsurf(srv.Client(), zap.NewNop(), srv.URL+"/refresh", srv.URL+"/usage")
	f := NewWindsurfFetcher(loader, client, time.Minute, zap.NewNop())

	keys, err := f.AccountKeys()
	if err != nil || len(keys) != 1 || keys[0] != WindsurfKey {
		t.Fatalf("keys: %v, %v", keys, err)
	}

	snap, err := f.Fetch(context.Background(), WindsurfKey)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if refreshes.Load() != 1 {
		t.Fatalf("expected one refresh, got %d", refreshes.Load())
	}
	if len(snap.Entries) != 1 {
		t.Fatalf("entries: %+v", snap.Entries)
	}
	e := snap.Entries[0]
	if e.Resource != "credits" || e.RemainingFraction != 0.75 {
		t.Fatalf("entry: %+v", e)
	}
}
