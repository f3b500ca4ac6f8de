package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psalmprax/ettametta/config"
	xerrors "github.com/psalmprax/ettametta/errors"
)

// OAuth2Refresher exchanges a refresh token at a standard OAuth2 token
// endpoint. TikTok and Google both speak this grant.
type OAuth2Refresher struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// TikTok names the client credential fields differently
	ClientKeyParam string
	httpClient     *http.Client
}

func NewOAuth2Refresher(tokenURL, clientID, clientSecret string) *OAuth2Refresher {
	return &OAuth2Refresher{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// NewTikTokRefresher uses TikTok's client_key parameter name. Returns nil
// when the app credential does not resolve.
func NewTikTokRefresher(secrets config.SecretResolver) *OAuth2Refresher {
	clientKey := secrets.Resolve(config.SecretTikTokClientKey)
	if clientKey == "" {
		return nil
	}
	r := NewOAuth2Refresher("https://open.tiktokapis.com/v2/oauth/token/",
		clientKey, secrets.Resolve(config.SecretTikTokClientSecret))
	r.ClientKeyParam = "client_key"
	return r
}

func NewGoogleRefresher(secrets config.SecretResolver) *OAuth2Refresher {
	clientID := secrets.Resolve(config.SecretGoogleClientID)
	if clientID == "" {
		return nil
	}
	return NewOAuth2Refresher("https://oauth2.googleapis.com/token",
		clientID, secrets.Resolve(config.SecretGoogleClientSecret))
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, current Token) (StorePayload, error) {
	if current.RefreshToken == nil || *current.RefreshToken == "" {
		return StorePayload{}, xerrors.Failf(xerrors.KindAuth, "no refresh token stored for %s", current.Platform)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", *current.RefreshToken)
	keyParam := r.ClientKeyParam
	if keyParam == "" {
		keyParam = "client_id"
	}
	form.Set(keyParam, r.ClientID)
	form.Set("client_secret", r.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return StorePayload{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return StorePayload{}, xerrors.Wrap(xerrors.KindTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StorePayload{}, xerrors.Failf(xerrors.KindAuth, "token endpoint status %s", resp.Status)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
		OpenID       string `json:"open_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StorePayload{}, xerrors.Wrap(xerrors.KindProtocol, fmt.Errorf("decoding token response: %w", err))
	}
	if out.AccessToken == "" {
		return StorePayload{}, xerrors.Failf(xerrors.KindAuth, "token endpoint returned no access token")
	}

	payload := StorePayload{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
		Scope:        out.Scope,
		ExpiresIn:    out.ExpiresIn,
	}
	if out.OpenID != "" {
		payload.AccountHandle = out.OpenID
	}
	return payload, nil
}
