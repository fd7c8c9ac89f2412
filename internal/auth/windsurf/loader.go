// Package windsurf loads the secondary provider's credential file. The
// file is externally managed; the loader never writes it back.
package windsurf

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// credentialsFile mirrors the provider-written JSON on disk.
type credentialsFile struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ProfileUID   string `json:"profileUid"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // unix seconds
}

// Loader reads the credential file once at startup and on explicit reload.
// Absence of the file or missing fields means "not authenticated", never
// an error.
type Loader struct {
	path string
	log  *zap.Logger

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	profileUID   string
	expiresAt    time.Time
	loaded       bool
}

// NewLoader creates a loader for the fixed credential file location.
func NewLoader(path string, log *zap.Logger) *Loader {
	return &Loader{path: path, log: log}
}

// Initialize performs the startup read.
func (l *Loader) Initialize() {
	if l.Reload() {
		l.log.Info("windsurf credentials loaded", zap.String("path", l.path))
	} else {
		l.log.Info("windsurf credentials not present", zap.String("path", l.path))
	}
}

// Reload re-reads the file and reports whether usable credentials were
// found.
func (l *Loader) Reload() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.loaded = false
	if l.path == "" {
		return false
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		l.log.Warn("windsurf credential file unreadable", zap.Error(err))
		return false
	}
	if creds.RefreshToken == "" || creds.ProfileUID == "" {
		return false
	}

	l.accessToken = creds.AccessToken
	l.refreshToken = creds.RefreshToken
	l.profileUID = creds.ProfileUID
	l.expiresAt = time.Time{}
	if creds.ExpiresAt > 0 {
		l.expiresAt = time.Unix(creds.ExpiresAt, 0)
	} else if creds.AccessToken != "" {
		l.expiresAt = expiryFromJWT(creds.AccessToken)
	}
	l.loaded = true
	return true
}

// Authenticated reports whether usable credentials are present.
func (l *Loader) Authenticated() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// RefreshToken returns the long-lived refresh token.
func (l *Loader) RefreshToken() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.refreshToken
}

// ProfileUID returns the provider-specific profile reference.
func (l *Loader) ProfileUID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.profileUID
}

// AccessToken returns the current in-memory access token and its expiry.
func (l *Loader) AccessToken() (string, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accessToken, l.expiresAt
}

// Expired reports whether the access token is missing or within the
// look-ahead buffer of expiry. Tokens with unknown expiry count as
// expired so a refresh happens before first use.
func (l *Loader) Expired(buffer time.Duration) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.accessToken == "" || l.expiresAt.IsZero() {
		return true
	}
	return !time.Now().Add(buffer).Before(l.expiresAt)
}

// UpdateAccessToken replaces the in-memory access token after a refresh
// call. The source file is never written.
func (l *Loader) UpdateAccessToken(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accessToken = token
	l.expiresAt = expiryFromJWT(token)
}

// expiryFromJWT reads the exp claim without verifying the signature; the
// token was just handed to us by the provider and only the expiry matters.
func expiryFromJWT(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
