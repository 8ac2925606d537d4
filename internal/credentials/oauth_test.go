package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newProvider(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "good-refresh" || r.Form.Get("client_id") != "client-id" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
			return
		}
		_, _ = fmt.Fprint(w, `{"access_token":"fresh-access","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Header.Get("Authorization") {
		case "Bearer fresh-access":
			_, _ = fmt.Fprint(w, `{"sub":"1","email":"alice@example.com","email_verified":true}`)
		case "Bearer unverified":
			_, _ = fmt.Fprint(w, `{"sub":"2","email":"eve@example.com","email_verified":false}`)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprint(w, `{"error":"invalid_token"}`)
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestOAuthTokenService(t *testing.T) {
	provider := newProvider(t)
	service := NewOAuthTokenService("client-id", "client-secret", provider.URL+"/token", provider.URL+"/userinfo")
	ctx := context.Background()

	t.Run("refreshes a token", func(t *testing.T) {
		token, err := service.Refresh(ctx, "good-refresh")
		require.NoError(t, err)
		assert.Equal(t, "fresh-access", token.AccessToken)
		assert.Equal(t, "good-refresh", token.RefreshToken, "refresh token is kept when the provider doesn't rotate it")
		assert.True(t, token.Expiry.After(time.Now()))
	})

	t.Run("revoked refresh token", func(t *testing.T) {
		_, err := service.Refresh(ctx, "revoked")
		var retrieveErr *oauth2.RetrieveError
		require.True(t, errors.As(err, &retrieveErr))
		assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
	})

	t.Run("reads the account email", func(t *testing.T) {
		email, err := service.GetEmail(ctx, &oauth2.Token{AccessToken: "fresh-access", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", email)
	})

	t.Run("rejects unverified email", func(t *testing.T) {
		_, err := service.GetEmail(ctx, &oauth2.Token{AccessToken: "unverified", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)})
		assert.Error(t, err)
	})

	t.Run("rejected token", func(t *testing.T) {
		_, err := service.GetEmail(ctx, &oauth2.Token{AccessToken: "bogus", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)})
		assert.Error(t, err)
	})
}
