package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

// HTTPProvider fetches join tokens from a remote token service:
// GET <base>?channel=<id> returning {"token": "..."}.
type HTTPProvider struct {
	base   string
	client *http.Client
}

var _ core.TokenProvider = (*HTTPProvider)(nil)

func NewHTTPProvider(base string) *HTTPProvider {
	return &HTTPProvider{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPProvider) FetchToken(ctx context.Context, channel domain.ChannelID) (core.Token, error) {
	u, err := url.Parse(p.base)
	if err != nil {
		return "", &core.TokenError{Channel: channel, Err: err}
	}
	q := u.Query()
	q.Set("channel", string(channel))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", &core.TokenError{Channel: channel, Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", &core.TokenError{Channel: channel, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &core.TokenError{
			Channel: channel,
			Err:     fmt.Errorf("token service returned %s", resp.Status),
		}
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &core.TokenError{Channel: channel, Err: err}
	}
	if body.Token == "" {
		return "", &core.TokenError{Channel: channel, Err: fmt.Errorf("token service returned empty token")}
	}
	return core.Token(body.Token), nil
}
