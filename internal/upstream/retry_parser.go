package upstream

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// googleErrorBody is the structured error Google APIs return on 429.
type googleErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Details []struct {
			Type       string            `json:"@type"`
			Reason     string            `json:"reason"`
			Metadata   map[string]string `json:"metadata"`
			RetryDelay string            `json:"retryDelay"` // e.g. "3.5s"
		} `json:"details"`
	} `json:"error"`
}

// ParseRetryDelay extracts a server-suggested retry duration from a 429
// response: the Retry-After header first, then the Google error body.
// Returns 0 when no hint is found. The body is restored after reading.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	if resp.Body == nil {
		return 0
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0
	}
	resp.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))

	var errBody googleErrorBody
	if err := json.Unmarshal(bodyBytes, &errBody); err != nil {
		return 0
	}
	for _, detail := range errBody.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
		if delay, ok := detail.Metadata["retryDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil {
				return d
			}
		}
	}
	return 0
}
