package google

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"

	"github.com/wusimpl/antigravity-quota-watcher/internal/store"
	"github.com/wusimpl/antigravity-quota-watcher/internal/upstream"
)

// FlowState describes the in-flight interactive login.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowPreparing
	FlowOpeningBrowser
	FlowWaitingForAuthorization
	FlowExchangingToken
	FlowSuccess
	FlowError
	FlowCancelled
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowPreparing:
		return "preparing"
	case FlowOpeningBrowser:
		return "opening_browser"
	case FlowWaitingForAuthorization:
		return "waiting_for_authorization"
	case FlowExchangingToken:
		return "exchanging_token"
	case FlowSuccess:
		return "success"
	case FlowError:
		return "error"
	case FlowCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrLoginInProgress is returned when a second login is attempted while
// one is already running. Attempts are rejected, not queued.
var ErrLoginInProgress = errors.New("a login attempt is already in progress")

// ErrNoRefreshToken means the token response lacked a refresh token; the
// exchange fails and nothing is persisted.
var ErrNoRefreshToken = errors.New("token response missing refresh token")

// FlowEvent is broadcast to subscribers on every state change.
type FlowEvent struct {
	State   FlowState
	AuthURL string // set from OpeningBrowser onward, for manual copy
	Err     error  // set on Error
	Account *store.Account
}

// ProfileLoader resolves the provider-A companion project and tier.
type ProfileLoader interface {
	LoadProfile(ctx context.Context, accessToken string) (*upstream.Profile, error)
}

// Flow is the PKCE login state machine. One attempt at a time.
type Flow struct {
	store        *store.Store
	profiles     ProfileLoader
	httpClient   *http.Client
	log          *zap.Logger
	clientID     string
	clientSecret string
	timeout      time.Duration
	openBrowser  func(url string) error

	// Overridable in tests, like the endpoints on the upstream clients.
	endpoint    oauth2.Endpoint
	userinfoURL string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	state   FlowState
	authURL string

	subMu sync.Mutex
	subs  map[string]func(FlowEvent)
}

// NewFlow wires the login flow controller.
func NewFlow(st *store.Store, profiles ProfileLoader, httpClient *http.Client, clientID, clientSecret string, timeout time.Duration, log *zap.Logger) *Flow {
	return &Flow{
		store:        st,
		profiles:     profiles,
		httpClient:   httpClient,
		log:          log,
		clientID:     clientID,
		clientSecret: clientSecret,
		timeout:      timeout,
		openBrowser:  OpenBrowser,
		endpoint:     googleOAuth.Endpoint,
		userinfoURL:  defaultUserinfoURL,
		subs:         make(map[string]func(FlowEvent)),
	}
}

// Subscribe registers a listener for flow-state changes and returns its
// subscription id. Dispatch is synchronous; a panicking subscriber does
// not prevent others from being notified.
func (f *Flow) Subscribe(fn func(FlowEvent)) string {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	id := uuid.New().String()
	f.subs[id] = fn
	return id
}

// Unsubscribe removes a listener. Idempotent; safe during dispatch.
func (f *Flow) Unsubscribe(id string) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	delete(f.subs, id)
}

// State returns the current flow state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AuthURL returns the authorization URL of the current attempt so it can
// be copied manually when the browser fails to open.
func (f *Flow) AuthURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authURL
}

// Begin starts a login attempt asynchronously. A second call while one is
// in flight returns ErrLoginInProgress.
func (f *Flow) Begin(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return ErrLoginInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.running = true
	f.cancel = cancel
	f.authURL = ""
	f.mu.Unlock()

	go f.run(runCtx)
	return nil
}

// Cancel requests cooperative cancellation of the in-flight attempt. The
// callback listener is torn down immediately; in-flight HTTP results are
// discarded.
func (f *Flow) Cancel() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *Flow) run(ctx context.Context) {
	account, err := f.attempt(ctx)

	switch {
	case err == nil:
		f.setState(FlowEvent{State: FlowSuccess, Account: account})
	case errors.Is(err, context.Canceled):
		f.log.Info("login attempt cancelled")
		f.setState(FlowEvent{State: FlowCancelled})
	default:
		f.log.Warn("login attempt failed", zap.Error(err))
		f.setState(FlowEvent{State: FlowError, Err: err})
	}

	// Released only after the terminal event is out, so a fast re-Begin
	// cannot interleave its events with this attempt's.
	f.mu.Lock()
	f.running = false
	f.cancel = nil
	f.mu.Unlock()
}

func (f *Flow) attempt(ctx context.Context) (*store.Account, error) {
	f.setState(FlowEvent{State: FlowPreparing})

	state := newStateToken()
	verifier := oauth2.GenerateVerifier()

	cb := NewCallbackServer(state, f.log)
	redirectURI, err := cb.Start()
	if err != nil {
		return nil, err
	}
	defer cb.Stop()

	cfg := OAuthConfig(f.clientID, f.clientSecret, redirectURI)
	cfg.Endpoint = f.endpoint
	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	f.mu.Lock()
	f.authURL = authURL
	f.mu.Unlock()

	f.setState(FlowEvent{State: FlowOpeningBrowser, AuthURL: authURL})
	if err := f.openBrowser(authURL); err != nil {
		// Not fatal: the URL stays available for manual copy.
		f.log.Warn("could not open browser", zap.Error(err))
	}

	f.setState(FlowEvent{State: FlowWaitingForAuthorization, AuthURL: authURL})
	waitCtx, cancelWait := context.WithTimeout(ctx, f.timeout)
	defer cancelWait()
	code, err := cb.Await(waitCtx)
	if err != nil {
		return nil, err
	}

	f.setState(FlowEvent{State: FlowExchangingToken, AuthURL: authURL})
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	token, err := cfg.Exchange(exchangeCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, upstream.NewError(upstream.KindProtocol, "token exchange failed", err)
	}
	if token.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	client := cfg.Client(exchangeCtx, token)
	info, err := fetchUserInfo(ctx, client, f.userinfoURL)
	if err != nil {
		return nil, err
	}

	// Tier and project resolution is best-effort; identity is not.
	var tier, projectID string
	if profile, err := f.profiles.LoadProfile(ctx, token.AccessToken); err != nil {
		f.log.Warn("profile load failed, account saved without tier", zap.Error(err))
	} else {
		tier = profile.Tier
		projectID = profile.ProjectID
	}

	account := store.Account{
		ID:        info.ID,
		Email:     info.Email,
		Name:      info.Name,
		Picture:   info.Picture,
		Tier:      tier,
		ProjectID: projectID,
	}
	pair := store.TokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		TokenType:    token.TokenType,
		Scope:        scopeString(token),
	}
	if err := f.store.SaveAccount(account, pair); err != nil {
		return nil, err
	}

	f.log.Info("login successful", zap.String("email", info.Email), zap.String("tier", tier))
	return &account, nil
}

func (f *Flow) setState(ev FlowEvent) {
	f.mu.Lock()
	f.state = ev.State
	f.mu.Unlock()

	f.subMu.Lock()
	fns := make([]func(FlowEvent), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.subMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.log.Error("flow subscriber panicked", zap.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}

func newStateToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func scopeString(token *oauth2.Token) string {
	if s, ok := token.Extra("scope").(string); ok {
		return s
	}
	return ""
}
