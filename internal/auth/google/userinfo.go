package google

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/wusimpl/antigravity-quota-watcher/internal/upstream"
)

// UserInfo is the profile identity returned by the userinfo endpoint.
type UserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// fetchUserInfo loads the account identity with a bearer-authenticated
// client (as produced by oauth2.Config.Client).
func fetchUserInfo(ctx context.Context, client *http.Client, url string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, upstream.NewError(upstream.KindProtocol, "build userinfo request", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, upstream.WrapTransport(err, "userinfo request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstream.FromResponse(resp, "userinfo request rejected")
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, upstream.NewError(upstream.KindProtocol, "malformed userinfo response", err)
	}
	if info.ID == "" {
		return nil, upstream.NewError(upstream.KindProtocol, "userinfo response missing id", nil)
	}
	return &info, nil
}
