package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// httpTimeout bounds every request to the OAuth provider.
const httpTimeout = 15 * time.Second

// OAuthTokenService refreshes tokens against an OAuth 2 token endpoint and reads the
// account address from an OpenID Connect userinfo endpoint.
type OAuthTokenService struct {
	config      *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

// NewOAuthTokenService creates a token service for the given client and endpoints.
func NewOAuthTokenService(clientID, clientSecret, tokenURL, userInfoURL string) *OAuthTokenService {
	return &OAuthTokenService{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: userInfoURL,
		httpClient:  &http.Client{Timeout: httpTimeout},
	}
}

func (s *OAuthTokenService) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// Refresh exchanges the refresh token for a new access token.
// A token rejected by the provider returns an *oauth2.RetrieveError.
func (s *OAuthTokenService) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// An expired token without access token forces the source to refresh.
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Hour)}

	token, err := s.config.TokenSource(s.withClient(ctx), expired).Token()
	if err != nil {
		return nil, err
	}
	return token, nil
}

// GetEmail returns the email address of the token's account.
func (s *OAuthTokenService) GetEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	client := s.config.Client(s.withClient(ctx), token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build userinfo request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get userinfo: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, body)
	}

	var info struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to decode userinfo: %w", err)
	}

	if info.Email == "" {
		return "", fmt.Errorf("userinfo has no email")
	}
	if info.EmailVerified != nil && !*info.EmailVerified {
		return "", fmt.Errorf("userinfo email is not verified")
	}

	return info.Email, nil
}
