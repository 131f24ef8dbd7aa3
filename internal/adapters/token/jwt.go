// Package token provides the two join-token sources: a local HMAC minter
// for self-hosted deploys and an HTTP client for a remote token service.
package token

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

// Minter signs short-lived channel-scoped join tokens with a shared secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

var _ core.TokenProvider = (*Minter)(nil)

func NewMinter(secret string, ttl time.Duration) *Minter {
	return &Minter{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// FetchToken mints a fresh token on every call. Tokens are never cached:
// channel membership changes must always be re-authorized.
func (m *Minter) FetchToken(_ context.Context, channel domain.ChannelID) (core.Token, error) {
	now := m.now()
	claims := jwt.MapClaims{
		"channel": string(channel),
		"iat":     now.Unix(),
		"exp":     now.Add(m.ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", &core.TokenError{Channel: channel, Err: err}
	}
	return core.Token(signed), nil
}

// Verify parses a minted token and returns the channel it authorizes.
func (m *Minter) Verify(raw core.Token) (domain.ChannelID, error) {
	parsed, err := jwt.Parse(string(raw), func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", jwt.ErrSignatureInvalid
	}
	channel, _ := claims["channel"].(string)
	return domain.ChannelID(channel), nil
}
