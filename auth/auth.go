package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credentials identify the Open API application.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// TokenData is an access/refresh token pair.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// RefreshResponse is the token endpoint reply. Older deployments send
// expires_in instead of expiresIn.
type RefreshResponse struct {
	AccessToken     string `json:"accessToken"`
	RefreshToken    string `json:"refreshToken"`
	TokenType       string `json:"tokenType"`
	ExpiresIn       int64  `json:"expiresIn"`
	ExpiresInLegacy int64  `json:"expires_in"`
	ErrorCode       string `json:"errorCode"`
	Description     string `json:"description"`
}

// AuthClient calls the Open API token endpoint.
type AuthClient struct {
	credentials Credentials
	tokenURL    string
	httpClient  *http.Client
	now         func() time.Time
}

// NewAuthClient creates a client for tokenURL.
func NewAuthClient(creds Credentials, tokenURL string) *AuthClient {
	return &AuthClient{
		credentials: creds,
		tokenURL:    tokenURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// RefreshToken runs the refresh-token grant.
func (ac *AuthClient) RefreshToken(ctx context.Context, refreshToken string) (TokenData, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {ac.credentials.ClientID},
		"client_secret": {ac.credentials.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ac.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenData{}, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := ac.httpClient.Do(req)
	if err != nil {
		return TokenData{}, fmt.Errorf("failed to send refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TokenData{}, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var refreshResp RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&refreshResp); err != nil {
		return TokenData{}, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if refreshResp.ErrorCode != "" {
		return TokenData{}, fmt.Errorf("refresh rejected: %s - %s", refreshResp.ErrorCode, refreshResp.Description)
	}
	if refreshResp.AccessToken == "" || refreshResp.RefreshToken == "" {
		return TokenData{}, fmt.Errorf("refresh response is missing tokens")
	}

	expiresIn := refreshResp.ExpiresIn
	if expiresIn == 0 {
		expiresIn = refreshResp.ExpiresInLegacy
	}
	return TokenData{
		AccessToken:  refreshResp.AccessToken,
		RefreshToken: refreshResp.RefreshToken,
		ExpiresAt:    ac.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
