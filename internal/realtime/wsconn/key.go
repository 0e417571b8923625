package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/httpx"
)

type keyRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type keyResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// MintKey asks the local proxy backend for a short-lived realtime key so the
// long-lived API key never leaves the proxy.
func MintKey(ctx context.Context, client *httpx.Client, model, voice string) (string, error) {
	if !client.HasBackend(httpx.BackendProxy) {
		return "", clierr.New(clierr.CodeUsage, "realtime api key or proxy url is required")
	}
	resp, err := httpx.Request[keyResponse](ctx, client, http.MethodPost, httpx.BackendProxy, "/realtime/session", keyRequest{Model: model, Voice: voice})
	if err != nil {
		return "", fmt.Errorf("wsconn.MintKey: %w", err)
	}
	if strings.TrimSpace(resp.ClientSecret.Value) == "" {
		return "", clierr.New(clierr.CodeBackend, "realtime session key missing from proxy response")
	}
	return resp.ClientSecret.Value, nil
}

// URL appends the model query parameter to the realtime endpoint.
func URL(base, model string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "parse realtime url", err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
