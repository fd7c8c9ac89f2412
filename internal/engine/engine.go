// Package engine is the consumer-facing boundary: account lifecycle,
// token validity, and read access to the quota cache. The HTTP layer and
// any embedding UI talk to this package only.
package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/wusimpl/antigravity-quota-watcher/internal/auth/google"
	"github.com/wusimpl/antigravity-quota-watcher/internal/quota"
	"github.com/wusimpl/antigravity-quota-watcher/internal/store"
	"github.com/wusimpl/antigravity-quota-watcher/internal/upstream"
)

// AuthState summarizes the credential situation for the active account.
type AuthState string

const (
	StateNotAuthenticated AuthState = "not_authenticated"
	StateAuthenticating   AuthState = "authenticating"
	StateAuthenticated    AuthState = "authenticated"
	StateTokenExpired     AuthState = "token_expired"
	StateRefreshing       AuthState = "refreshing"
	StateError            AuthState = "error"
)

// ErrNotAuthenticated is returned by token operations when no account is
// available.
var ErrNotAuthenticated = errors.New("no authenticated account")

// Engine ties the roster store, login flow, upstream clients, and quota
// pollers together behind one API.
type Engine struct {
	store        *store.Store
	flow         *google.Flow
	cache        *quota.Cache
	pollers      []*quota.Poller
	httpClient   *http.Client
	clientID     string
	clientSecret string
	expiryBuffer time.Duration
	log          *zap.Logger

	mu         sync.Mutex
	refreshing map[string]bool
	locks      map[string]*sync.Mutex
	lastErr    error // most recent refresh failure, cleared on success
}

// New wires the engine. Pollers are registered but not started.
func New(st *store.Store, flow *google.Flow, cache *quota.Cache, pollers []*quota.Poller, httpClient *http.Client, clientID, clientSecret string, expiryBuffer time.Duration, log *zap.Logger) *Engine {
	return &Engine{
		store:        st,
		flow:         flow,
		cache:        cache,
		pollers:      pollers,
		httpClient:   httpClient,
		clientID:     clientID,
		clientSecret: clientSecret,
		expiryBuffer: expiryBuffer,
		log:          log,
		refreshing:   make(map[string]bool),
		locks:        make(map[string]*sync.Mutex),
	}
}

// Login starts an interactive login attempt. Progress arrives via the
// flow subscription; ErrLoginInProgress when one is already running.
func (e *Engine) Login(ctx context.Context) error {
	return e.flow.Begin(ctx)
}

// CancelLogin aborts the in-flight login attempt, if any.
func (e *Engine) CancelLogin() {
	e.flow.Cancel()
}

// Logout removes an account, its sealed tokens, and its cached quota.
// An empty id targets the active account.
func (e *Engine) Logout(accountID string) error {
	if accountID == "" {
		active, err := e.store.ActiveID()
		if err != nil {
			return err
		}
		if active == "" {
			return ErrNotAuthenticated
		}
		accountID = active
	}
	if err := e.store.DeleteAccount(accountID); err != nil {
		return err
	}
	e.cache.Drop(accountID)
	e.log.Info("account removed", zap.String("account", accountID))
	return nil
}

// Accounts lists the stored roster in display order.
func (e *Engine) Accounts() ([]store.Account, error) {
	return e.store.ListAccounts()
}

// ActiveAccount returns the currently selected account, or nil when the
// roster is empty.
func (e *Engine) ActiveAccount() (*store.Account, error) {
	id, err := e.store.ActiveID()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return e.store.GetAccount(id)
}

// SetActiveAccount switches the selection to an existing account.
func (e *Engine) SetActiveAccount(accountID string) error {
	return e.store.SetActive(accountID)
}

// AuthStatus derives the current authentication state for the active
// account.
func (e *Engine) AuthStatus() AuthState {
	switch e.flow.State() {
	case google.FlowPreparing, google.FlowOpeningBrowser,
		google.FlowWaitingForAuthorization, google.FlowExchangingToken:
		return StateAuthenticating
	}

	active, err := e.store.ActiveID()
	if err != nil || active == "" {
		return StateNotAuthenticated
	}

	e.mu.Lock()
	refreshing := e.refreshing[active]
	lastErr := e.lastErr
	e.mu.Unlock()
	if refreshing {
		return StateRefreshing
	}
	if lastErr != nil {
		return StateError
	}

	if e.store.IsExpired(active, e.expiryBuffer) {
		return StateTokenExpired
	}
	return StateAuthenticated
}

// ValidAccessToken returns a non-expired access token for the account,
// transparently refreshing it first when it is within the expiry buffer.
// An empty id targets the active account. Refreshes for the same account
// are serialized; the second caller re-checks the store and reuses the
// freshly minted token.
func (e *Engine) ValidAccessToken(ctx context.Context, accountID string) (string, error) {
	if accountID == "" {
		active, err := e.store.ActiveID()
		if err != nil {
			return "", err
		}
		if active == "" {
			return "", ErrNotAuthenticated
		}
		accountID = active
	}

	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	pair, err := e.store.GetToken(accountID)
	if err != nil {
		return "", err
	}
	if pair == nil {
		return "", ErrNotAuthenticated
	}
	if !e.store.IsExpired(accountID, e.expiryBuffer) {
		return pair.AccessToken, nil
	}

	return e.refreshToken(ctx, accountID, pair)
}

func (e *Engine) refreshToken(ctx context.Context, accountID string, pair *store.TokenPair) (string, error) {
	e.setRefreshing(accountID, true)
	defer e.setRefreshing(accountID, false)

	e.log.Debug("refreshing access token", zap.String("account", accountID))

	cfg := google.OAuthConfig(e.clientID, e.clientSecret, "")
	refreshCtx := context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	source := cfg.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: pair.RefreshToken})

	token, err := source.Token()
	if err != nil {
		classified := upstream.ClassifyRefreshError(err)
		e.log.Warn("token refresh failed", zap.String("account", accountID), zap.Error(classified))
		e.setLastError(classified)
		return "", classified
	}
	e.setLastError(nil)

	// Providers may rotate the refresh token; persist the rotation so the
	// old one is never reused.
	if token.RefreshToken != "" && token.RefreshToken != pair.RefreshToken {
		err = e.store.ReplaceTokenPair(accountID, store.TokenPair{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    token.Expiry,
			TokenType:    token.TokenType,
			Scope:        pair.Scope,
		})
	} else {
		err = e.store.UpdateAccessToken(accountID, token.AccessToken, time.Until(token.Expiry))
	}
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (e *Engine) accountLock(accountID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[accountID] = lock
	}
	return lock
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
}

func (e *Engine) setRefreshing(accountID string, v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v {
		e.refreshing[accountID] = true
	} else {
		delete(e.refreshing, accountID)
	}
}

// Quota returns the cached snapshot for one account key.
func (e *Engine) Quota(accountKey string) (quota.Snapshot, bool) {
	return e.cache.Get(accountKey)
}

// AllQuotas returns every cached snapshot keyed by account.
func (e *Engine) AllQuotas() map[string]quota.Snapshot {
	return e.cache.All()
}

// History returns recent persisted samples for one account key.
func (e *Engine) History(accountKey string, limit int) ([]store.QuotaSample, error) {
	return e.store.RecentSamples(accountKey, limit)
}

// StartPolling launches every registered poll schedule.
func (e *Engine) StartPolling() {
	for _, p := range e.pollers {
		p.StartPolling()
	}
}

// StopPolling halts every registered poll schedule.
func (e *Engine) StopPolling() {
	for _, p := range e.pollers {
		p.StopPolling()
	}
}

// RefreshNow triggers an immediate fetch cycle on every poller.
func (e *Engine) RefreshNow() {
	for _, p := range e.pollers {
		p.RefreshNow()
	}
}

// SetPollInterval changes the schedule period on every poller.
func (e *Engine) SetPollInterval(d time.Duration) {
	for _, p := range e.pollers {
		p.SetInterval(d)
	}
}

// SubscribeQuotaUpdates registers a snapshot listener.
func (e *Engine) SubscribeQuotaUpdates(fn quota.UpdateFunc) string {
	return e.cache.SubscribeUpdates(fn)
}

// SubscribeQuotaErrors registers a fetch-failure listener.
func (e *Engine) SubscribeQuotaErrors(fn quota.ErrorFunc) string {
	return e.cache.SubscribeErrors(fn)
}

// SubscribeStatus registers a poller-status listener.
func (e *Engine) SubscribeStatus(fn quota.StatusFunc) string {
	return e.cache.SubscribeStatus(fn)
}

// UnsubscribeQuota removes a cache listener by id.
func (e *Engine) UnsubscribeQuota(id string) {
	e.cache.Unsubscribe(id)
}

// SubscribeLogin registers a login flow-state listener.
func (e *Engine) SubscribeLogin(fn func(google.FlowEvent)) string {
	return e.flow.Subscribe(fn)
}

// UnsubscribeLogin removes a login listener by id.
func (e *Engine) UnsubscribeLogin(id string) {
	e.flow.Unsubscribe(id)
}

// LoginURL returns the pending authorization URL for manual copy.
func (e *Engine) LoginURL() string {
	return e.flow.AuthURL()
}
