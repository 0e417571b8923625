package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/ggonzalez94/defi-voice/internal/httpx"
	"golang.org/x/oauth2"
)

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// BackendRefresher refreshes through the auth backend. The client must not
// itself use the store as its token source.
func BackendRefresher(client *httpx.Client) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		resp, err := httpx.Request[refreshResponse](ctx, client, http.MethodPost, httpx.BackendAuth, "/auth/refresh", refreshRequest{RefreshToken: refreshToken})
		if err != nil {
			return nil, err
		}
		token := &oauth2.Token{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			TokenType:    "Bearer",
		}
		if resp.ExpiresIn > 0 {
			token.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		}
		return token, nil
	}
}
