package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrCredentialNotFound is returned when a mailbox has no stored OAuth credential.
var ErrCredentialNotFound = errors.New("credential not found")

// GetCredentialForMailbox returns the OAuth credential of the given mailbox.
func GetCredentialForMailbox(ctx context.Context, q Querier, mailboxID string) (*models.Credential, error) {
	var cred models.Credential
	var expiresAt *time.Time

	err := q.QueryRow(ctx, `
		SELECT
			id,
			mailbox_id,
			provider,
			encrypted_access_token,
			encrypted_refresh_token,
			expires_at,
			needs_reauth,
			updated_at
		FROM credentials
		WHERE mailbox_id = $1
	`, mailboxID).Scan(
		&cred.ID,
		&cred.MailboxID,
		&cred.Provider,
		&cred.EncryptedAccessToken,
		&cred.EncryptedRefreshToken,
		&expiresAt,
		&cred.NeedsReauth,
		&cred.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	if expiresAt != nil {
		cred.ExpiresAt = *expiresAt
	}

	return &cred, nil
}

// SaveCredential stores the credential of a mailbox, replacing the previous tokens.
// Saving a credential clears its re-auth flag.
func SaveCredential(ctx context.Context, q Querier, cred *models.Credential) error {
	var expiresAt *time.Time
	if !cred.ExpiresAt.IsZero() {
		expiresAt = &cred.ExpiresAt
	}

	err := q.QueryRow(ctx, `
		INSERT INTO credentials (
			mailbox_id,
			provider,
			encrypted_access_token,
			encrypted_refresh_token,
			expires_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mailbox_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			expires_at = EXCLUDED.expires_at,
			needs_reauth = FALSE,
			updated_at = NOW()
		RETURNING id, updated_at
	`,
		cred.MailboxID,
		cred.Provider,
		cred.EncryptedAccessToken,
		cred.EncryptedRefreshToken,
		expiresAt,
	).Scan(&cred.ID, &cred.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	cred.NeedsReauth = false
	return nil
}
