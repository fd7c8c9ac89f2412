package quota

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wusimpl/antigravity-quota-watcher/internal/store"
	"github.com/wusimpl/antigravity-quota-watcher/internal/upstream"
)

// TokenProvider yields a non-expired access token for an account,
// refreshing it first when necessary.
type TokenProvider interface {
	ValidAccessToken(ctx context.Context, accountID string) (string, error)
}

// CloudCodeFetcher polls the primary provider for every stored account.
type CloudCodeFetcher struct {
	store  *store.Store
	client *upstream.CloudCode
	tokens TokenProvider
	log    *zap.Logger
}

// NewCloudCodeFetcher wires the primary-provider fetcher.
func NewCloudCodeFetcher(st *store.Store, client *upstream.CloudCode, tokens TokenProvider, log *zap.Logger) *CloudCodeFetcher {
	return &CloudCodeFetcher{store: st, client: client, tokens: tokens, log: log}
}

// AccountKeys lists stored account ids in roster order.
func (f *CloudCodeFetcher) AccountKeys() ([]string, error) {
	accounts, err := f.store.ListAccounts()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		keys = append(keys, acc.ID)
	}
	return keys, nil
}

// Fetch resolves a valid access token, re-reads the account's profile,
// and retrieves per-model quota readings.
func (f *CloudCodeFetcher) Fetch(ctx context.Context, accountID string) (*Snapshot, error) {
	account, err := f.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}

	token, err := f.tokens.ValidAccessToken(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// The companion project can change server-side; resolve it every
	// cycle and fold the result back into the roster.
	projectID := account.ProjectID
	tier := account.Tier
	if profile, err := f.client.LoadProfile(ctx, token); err != nil {
		if upstream.IsAuthRejected(err) {
			return nil, err
		}
		f.log.Debug("profile reload failed, using stored project",
			zap.String("account", accountID), zap.Error(err))
	} else {
		projectID = profile.ProjectID
		tier = profile.Tier
		if projectID != account.ProjectID || tier != account.Tier {
			if err := f.store.UpdateAccountProfile(accountID, tier, projectID); err != nil {
				f.log.Warn("updating account profile failed", zap.Error(err))
			}
		}
	}

	quotas, err := f.client.FetchUsage(ctx, token, projectID)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(quotas))
	for _, q := range quotas {
		entries = append(entries, NewEntry(q.Model, q.Label, q.RemainingFraction, q.ResetTime))
	}
	return &Snapshot{
		Timestamp:    time.Now(),
		AccountEmail: account.Email,
		Tier:         tier,
		Entries:      entries,
	}, nil
}
