package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CreditUsage is the credit-resource breakdown entry from the usage-limits
// endpoint, reduced to the numbers the snapshot needs.
type CreditUsage struct {
	CurrentUsage float64
	UsageLimit   float64
	ResetTime    time.Time
}

// RemainingFraction derives the remaining share of the credit budget.
func (u CreditUsage) RemainingFraction() float64 {
	if u.UsageLimit <= 0 {
		return 0
	}
	return clampFraction(1 - u.CurrentUsage/u.UsageLimit)
}

// Windsurf talks to the secondary provider's token refresh and
// usage-limits endpoints.
type Windsurf struct {
	httpClient *http.Client
	log        *zap.Logger
	refreshURL string
	usageURL   string
}

// NewWindsurf creates the provider-B client.
func NewWindsurf(httpClient *http.Client, log *zap.Logger, refreshURL, usageURL string) *Windsurf {
	return &Windsurf{
		httpClient: httpClient,
		log:        log,
		refreshURL: refreshURL,
		usageURL:   usageURL,
	}
}

// Refresh exchanges the long-lived refresh token for a fresh access token.
func (w *Windsurf) Refresh(ctx context.Context, refreshToken string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"refreshToken": refreshToken})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.refreshURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", NewError(KindProtocol, "build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", WrapTransport(err, "token refresh request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", FromResponse(resp, "token refresh returned "+strconv.Itoa(resp.StatusCode))
	}

	var parsed struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", NewError(KindProtocol, "malformed refresh response", err)
	}
	if parsed.AccessToken == "" {
		return "", NewError(KindProtocol, "refresh response missing accessToken", nil)
	}
	return parsed.AccessToken, nil
}

// FetchUsage reads the usage breakdown and extracts the credits entry.
func (w *Windsurf) FetchUsage(ctx context.Context, accessToken, profileUID string) (*CreditUsage, error) {
	u, err := url.Parse(w.usageURL)
	if err != nil {
		return nil, NewError(KindConfiguration, "invalid usage-limits url", err)
	}
	q := u.Query()
	q.Set("profile_uid", profileUID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, NewError(KindProtocol, "build usage request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, WrapTransport(err, "usage-limits request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return nil, FromResponse(resp, "usage-limits returned "+strconv.Itoa(resp.StatusCode))
	}

	var parsed struct {
		UsageBreakdown []struct {
			Resource     string  `json:"resource"`
			CurrentUsage float64 `json:"currentUsage"`
			UsageLimit   float64 `json:"usageLimit"`
			ResetTime    string  `json:"resetTime"`
		} `json:"usageBreakdown"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, NewError(KindProtocol, "malformed usage-limits response", err)
	}

	for _, entry := range parsed.UsageBreakdown {
		if !strings.EqualFold(entry.Resource, "credits") {
			continue
		}
		usage := &CreditUsage{
			CurrentUsage: entry.CurrentUsage,
			UsageLimit:   entry.UsageLimit,
		}
		if entry.ResetTime != "" {
			if t, err := time.Parse(time.RFC3339, entry.ResetTime); err == nil {
				usage.ResetTime = t
			}
		}
		return usage, nil
	}
	return nil, NewError(KindProtocol, "usage breakdown missing credits entry", nil)
}
