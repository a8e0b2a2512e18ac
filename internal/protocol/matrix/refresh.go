package matrix

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/and161185/bridge-keeper/internal/model"
)

// Refresher exchanges refresh tokens at the user's homeserver.
type Refresher struct {
	HTTP *http.Client
	Now  func() time.Time
}

// Refresh calls /refresh and returns c with the new tokens and expiry.
func (r *Refresher) Refresh(ctx context.Context, c model.Credentials) (model.Credentials, error) {
	hc := r.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	body, err := doRequest(ctx, hc, http.MethodPost,
		strings.TrimRight(c.HomeserverURL, "/")+"/_matrix/client/v3/refresh", "",
		map[string]string{"refresh_token": c.RefreshToken}, nil)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("matrix: refresh: %w", err)
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresInMs  int64  `json:"expires_in_ms"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Credentials{}, fmt.Errorf("matrix: parse refresh: %w", err)
	}
	if resp.AccessToken == "" {
		return model.Credentials{}, fmt.Errorf("matrix: refresh returned no access token")
	}
	fresh := c
	fresh.AccessToken = resp.AccessToken
	fresh.RefreshToken = resp.RefreshToken
	fresh.ExpiresAt = time.Time{}
	if resp.ExpiresInMs > 0 {
		fresh.ExpiresAt = now().Add(time.Duration(resp.ExpiresInMs) * time.Millisecond)
	}
	return fresh, nil
}
