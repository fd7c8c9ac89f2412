package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wusimpl/antigravity-quota-watcher/internal/util"
)

// Endpoints with fallback (prod → daily), same order Antigravity uses.
var cloudCodeBaseURLs = []string{
	"https://cloudcode-pa.googleapis.com/v1internal",
	"https://daily-cloudcode-pa.googleapis.com/v1internal",
}

// clientMetadata identifies the calling surface to the Cloud Code API.
var clientMetadata = map[string]string{
	"ideType":    "ANTIGRAVITY",
	"platform":   "PLATFORM_UNSPECIFIED",
	"pluginType": "GEMINI",
}

// Profile is the provider-A account profile: the companion project the
// usage endpoint is keyed by, plus the subscription tier label.
type Profile struct {
	ProjectID string
	Tier      string
}

// ModelQuota is one model's remaining quota as reported by the provider.
type ModelQuota struct {
	Model             string
	Label             string
	RemainingFraction float64
	ResetTime         time.Time
}

// CloudCode talks to the Gemini Code Assist quota surface.
type CloudCode struct {
	httpClient *http.Client
	log        *zap.Logger
	baseURLs   []string
}

// NewCloudCode creates the provider-A client.
func NewCloudCode(httpClient *http.Client, log *zap.Logger) *CloudCode {
	return &CloudCode{
		httpClient: httpClient,
		log:        log,
		baseURLs:   cloudCodeBaseURLs,
	}
}

// LoadProfile calls loadCodeAssist to resolve the companion project and
// subscription tier for the authenticated account.
func (c *CloudCode) LoadProfile(ctx context.Context, accessToken string) (*Profile, error) {
	reqBody, _ := json.Marshal(map[string]any{"metadata": clientMetadata})

	body, err := c.post(ctx, "loadCodeAssist", accessToken, reqBody)
	if err != nil {
		return nil, err
	}

	var result struct {
		CloudaicompanionProject string `json:"cloudaicompanionProject"`
		PaidTier                *struct {
			ID string `json:"id"`
		} `json:"paidTier"`
		CurrentTier *struct {
			ID string `json:"id"`
		} `json:"currentTier"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, NewError(KindProtocol, "malformed loadCodeAssist response", err)
	}
	if result.CloudaicompanionProject == "" {
		return nil, NewError(KindProtocol, "loadCodeAssist response missing project", nil)
	}

	// Tier detection: prefer paidTier, then currentTier, then FREE.
	tier := "FREE"
	if result.PaidTier != nil && result.PaidTier.ID != "" {
		tier = result.PaidTier.ID
	} else if result.CurrentTier != nil && result.CurrentTier.ID != "" {
		tier = result.CurrentTier.ID
	}

	return &Profile{ProjectID: result.CloudaicompanionProject, Tier: tier}, nil
}

// FetchUsage calls retrieveUserQuota and maps the per-model quota entries.
// Models outside the recognized families, below the version floor, or
// lacking quota information are dropped.
func (c *CloudCode) FetchUsage(ctx context.Context, accessToken, projectID string) ([]ModelQuota, error) {
	reqBody, _ := json.Marshal(map[string]string{"project": projectID})

	body, err := c.post(ctx, "retrieveUserQuota", accessToken, reqBody)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, NewError(KindProtocol, "malformed retrieveUserQuota response", err)
	}

	type quotaEntry struct {
		DisplayName string `json:"displayName"`
		QuotaInfo   *struct {
			RemainingFraction float64   `json:"remainingFraction"`
			ResetTime         time.Time `json:"resetTime"`
		} `json:"quotaInfo"`
	}

	var quotas []ModelQuota
	for model, msg := range raw {
		var entry quotaEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			continue
		}
		// No usage information means the model is skipped, not zero-filled.
		if entry.QuotaInfo == nil {
			continue
		}
		if !recognizedModel(model) {
			continue
		}
		label := entry.DisplayName
		if label == "" {
			label = model
		}
		quotas = append(quotas, ModelQuota{
			Model:             model,
			Label:             label,
			RemainingFraction: clampFraction(entry.QuotaInfo.RemainingFraction),
			ResetTime:         entry.QuotaInfo.ResetTime,
		})
	}

	sort.Slice(quotas, func(i, j int) bool { return quotas[i].Model < quotas[j].Model })
	return quotas, nil
}

func (c *CloudCode) post(ctx context.Context, method, accessToken string, reqBody []byte) ([]byte, error) {
	var lastErr error
	for _, base := range c.baseURLs {
		url := fmt.Sprintf("%s:%s", base, method)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			return nil, NewError(KindProtocol, "build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("User-Agent", UserAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = WrapTransport(err, method+" request failed")
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			resp.Body = io.NopCloser(bytes.NewReader(body))
			classified := FromResponse(resp, method+" returned "+strconv.Itoa(resp.StatusCode))
			// Auth rejections are final; do not try the fallback endpoint.
			if classified.Kind == KindAuthRejected {
				return nil, classified
			}
			c.log.Debug("cloudcode endpoint failed",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode),
				zap.String("body", util.TruncateBytes(body)))
			lastErr = classified
			continue
		}
		if readErr != nil {
			lastErr = WrapTransport(readErr, method+" read body")
			continue
		}
		return body, nil
	}
	return nil, lastErr
}

var geminiVersionRegexp = regexp.MustCompile(`^gemini-(\d+)`)

// recognizedModel keeps entries for the gemini and claude families, with
// gemini restricted to major version 3 and above.
func recognizedModel(model string) bool {
	if m := geminiVersionRegexp.FindStringSubmatch(model); m != nil {
		major, err := strconv.Atoi(m[1])
		return err == nil && major >= 3
	}
	return len(model) >= 6 && model[:6] == "claude"
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
