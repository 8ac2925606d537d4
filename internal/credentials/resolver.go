// Package credentials turns stored, encrypted mailbox credentials into IMAP authenticators,
// refreshing OAuth tokens when they expire.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"golang.org/x/oauth2"
)

// expirySkew refreshes tokens slightly before they expire.
const expirySkew = time.Minute

// ErrReauthRequired means the stored credential can't be used any more and the user
// has to sign in again. It wraps imap.ErrAuthenticationFailed.
var ErrReauthRequired = fmt.Errorf("%w: re-authentication required", imap.ErrAuthenticationFailed)

// Store loads and saves OAuth credentials. Implemented by *db.Store.
type Store interface {
	GetCredential(ctx context.Context, mailboxID string) (*models.Credential, error)
	SaveCredential(ctx context.Context, cred *models.Credential) error
}

// TokenService talks to the OAuth provider.
type TokenService interface {
	// Refresh exchanges a refresh token for a new token.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	// GetEmail returns the address the token belongs to.
	GetEmail(ctx context.Context, token *oauth2.Token) (string, error)
}

// Resolver builds authenticators for mailboxes.
type Resolver struct {
	vault  *crypto.Vault
	store  Store
	tokens TokenService
	log    zerolog.Logger
	now    func() time.Time
}

// NewResolver creates a new Resolver. tokens may be nil when no OAuth provider is configured.
func NewResolver(vault *crypto.Vault, store Store, tokens TokenService, log zerolog.Logger) *Resolver {
	return &Resolver{
		vault:  vault,
		store:  store,
		tokens: tokens,
		log:    log.With().Str("component", "credentials").Logger(),
		now:    time.Now,
	}
}

// Authenticator returns the authenticator for the mailbox's auth mode.
// Errors wrapping ErrReauthRequired mean the user has to sign in again; any other
// error is worth retrying on the next cycle.
func (r *Resolver) Authenticator(ctx context.Context, mailbox *models.Mailbox) (imap.Authenticator, error) {
	switch mailbox.AuthMode {
	case models.AuthModePassword, "":
		return r.passwordAuth(mailbox)
	case models.AuthModeOAuth:
		return r.oauthAuth(ctx, mailbox)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mailbox.AuthMode)
	}
}

func (r *Resolver) passwordAuth(mailbox *models.Mailbox) (imap.Authenticator, error) {
	if mailbox.EncryptedPassword == "" {
		return nil, fmt.Errorf("%w: no password stored", ErrReauthRequired)
	}

	password := r.vault.Decrypt(mailbox.EncryptedPassword, mailbox.ID, mailbox.UserID)
	return imap.PasswordAuth{User: mailbox.Username, Password: password}, nil
}

func (r *Resolver) oauthAuth(ctx context.Context, mailbox *models.Mailbox) (imap.Authenticator, error) {
	cred, err := r.store.GetCredential(ctx, mailbox.ID)
	if errors.Is(err, db.ErrCredentialNotFound) {
		return nil, fmt.Errorf("%w: no credential stored", ErrReauthRequired)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if cred.NeedsReauth {
		return nil, ErrReauthRequired
	}

	if !cred.Expired(r.now(), expirySkew) {
		access := r.vault.Decrypt(cred.EncryptedAccessToken, mailbox.ID, mailbox.UserID)
		return imap.OAuthAuth{User: mailbox.Username, Token: access}, nil
	}

	token, err := r.refresh(ctx, mailbox, cred)
	if err != nil {
		return nil, err
	}
	return imap.OAuthAuth{User: mailbox.Username, Token: token.AccessToken}, nil
}

// refresh gets a new token, checks that it still belongs to the mailbox, and stores it.
func (r *Resolver) refresh(ctx context.Context, mailbox *models.Mailbox, cred *models.Credential) (*oauth2.Token, error) {
	log := r.log.With().Str("mailbox_id", mailbox.ID).Logger()

	if r.tokens == nil {
		return nil, fmt.Errorf("%w: token expired and no OAuth provider is configured", ErrReauthRequired)
	}

	refreshToken := r.vault.Decrypt(cred.EncryptedRefreshToken, mailbox.ID, mailbox.UserID)
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrReauthRequired)
	}

	token, err := r.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("%w: provider returned no token", ErrReauthRequired)
	}

	email, err := r.tokens.GetEmail(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to verify token owner: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(email), mailbox.Username) {
		log.Warn().
			Str("token_email", logging.MaskEmail(email)).
			Str("username", logging.MaskEmail(mailbox.Username)).
			Msg("Refreshed token belongs to another account")
		return nil, fmt.Errorf("%w: token belongs to another account", ErrReauthRequired)
	}

	cred.EncryptedAccessToken = r.vault.Encrypt(token.AccessToken, mailbox.ID, mailbox.UserID)
	if token.RefreshToken != "" {
		cred.EncryptedRefreshToken = r.vault.Encrypt(token.RefreshToken, mailbox.ID, mailbox.UserID)
	}
	cred.ExpiresAt = token.Expiry
	cred.NeedsReauth = false

	if err := r.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to save refreshed credential: %w", err)
	}

	log.Debug().Time("expires_at", token.Expiry).Msg("Refreshed OAuth token")
	return token, nil
}
