package quota

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wusimpl/antigravity-quota-watcher/internal/auth/windsurf"
	"github.com/wusimpl/antigravity-quota-watcher/internal/upstream"
)

// WindsurfKey is the single cache key used by the secondary provider.
const WindsurfKey = "windsurf"

const creditsLabel = "Prompt credits"

// WindsurfFetcher polls the secondary provider's credit pool. There is at
// most one identity, read from the externally managed credential file.
type WindsurfFetcher struct {
	loader *windsurf.Loader
	client *upstream.Windsurf
	buffer time.Duration
	log    *zap.Logger

	// Serializes refresh calls so concurrent cycles cannot race a
	// single-use refresh exchange.
	refreshMu sync.Mutex
}

// NewWindsurfFetcher wires the secondary-provider fetcher.
func NewWindsurfFetcher(loader *windsurf.Loader, client *upstream.Windsurf, expiryBuffer time.Duration, log *zap.Logger) *WindsurfFetcher {
	return &WindsurfFetcher{loader: loader, client: client, buffer: expiryBuffer, log: log}
}

// AccountKeys returns the single windsurf key when credentials are
// present, an empty list otherwise.
func (f *WindsurfFetcher) AccountKeys() ([]string, error) {
	if !f.loader.Authenticated() {
		return nil, nil
	}
	return []string{WindsurfKey}, nil
}

// Fetch refreshes the access token when it is near expiry and retrieves
// the remaining prompt-credit balance.
func (f *WindsurfFetcher) Fetch(ctx context.Context, _ string) (*Snapshot, error) {
	token, err := f.validToken(ctx)
	if err != nil {
		return nil, err
	}

	usage, err := f.client.FetchUsage(ctx, token, f.loader.ProfileUID())
	if err != nil {
		return nil, err
	}

	entry := NewEntry("credits", creditsLabel, usage.RemainingFraction(), usage.ResetTime)
	return &Snapshot{
		Timestamp: time.Now(),
		Entries:   []Entry{entry},
	}, nil
}

func (f *WindsurfFetcher) validToken(ctx context.Context) (string, error) {
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()

	if !f.loader.Expired(f.buffer) {
		token, _ := f.loader.AccessToken()
		return token, nil
	}

	f.log.Debug("windsurf access token near expiry, refreshing")
	token, err := f.client.Refresh(ctx, f.loader.RefreshToken())
	if err != nil {
		return "", err
	}
	f.loader.UpdateAccessToken(token)
	return token, nil
}
