package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrMailboxNotFound is returned when a requested mailbox cannot be found.
var ErrMailboxNotFound = errors.New("mailbox not found")

// CreateMailbox inserts a mailbox and populates its ID and CreatedAt.
func CreateMailbox(ctx context.Context, q Querier, mailbox *models.Mailbox) error {
	err := q.QueryRow(ctx, `
		INSERT INTO mailboxes (
			user_id,
			username,
			host,
			port,
			security,
			auth_mode,
			encrypted_password
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`,
		mailbox.UserID,
		mailbox.Username,
		mailbox.Host,
		mailbox.Port,
		mailbox.Security,
		mailbox.AuthMode,
		mailbox.EncryptedPassword,
	).Scan(&mailbox.ID, &mailbox.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create mailbox: %w", err)
	}

	return nil
}

// GetMailbox returns the mailbox with the given ID.
func GetMailbox(ctx context.Context, q Querier, mailboxID string) (*models.Mailbox, error) {
	var mailbox models.Mailbox

	err := q.QueryRow(ctx, `
		SELECT
			id,
			user_id,
			username,
			host,
			port,
			security,
			auth_mode,
			encrypted_password,
			needs_reauth,
			last_synced_at,
			created_at
		FROM mailboxes
		WHERE id = $1
	`, mailboxID).Scan(
		&mailbox.ID,
		&mailbox.UserID,
		&mailbox.Username,
		&mailbox.Host,
		&mailbox.Port,
		&mailbox.Security,
		&mailbox.AuthMode,
		&mailbox.EncryptedPassword,
		&mailbox.NeedsReauth,
		&mailbox.LastSyncedAt,
		&mailbox.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMailboxNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}

	return &mailbox, nil
}

// ListMailboxIDs returns the IDs of all mailboxes that can be synced,
// meaning those that don't wait for the user to re-authenticate.
func ListMailboxIDs(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT id
		FROM mailboxes
		WHERE needs_reauth = FALSE
		ORDER BY last_synced_at NULLS FIRST, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan mailbox IDs: %w", err)
	}

	return ids, nil
}

// MarkMailboxSynced records the end of a successful sync.
func MarkMailboxSynced(ctx context.Context, q Querier, mailboxID string, syncedAt time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE mailboxes SET last_synced_at = $2 WHERE id = $1
	`, mailboxID, syncedAt)
	if err != nil {
		return fmt.Errorf("failed to mark mailbox synced: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrMailboxNotFound
	}

	return nil
}

// MarkNeedsReauth flags the mailbox and its credential, if any, as waiting for the
// user to re-authenticate. Both rows change in one transaction.
func MarkNeedsReauth(ctx context.Context, b Beginner, mailboxID string) error {
	return pgx.BeginFunc(ctx, b, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE mailboxes SET needs_reauth = TRUE WHERE id = $1
		`, mailboxID)
		if err != nil {
			return fmt.Errorf("failed to flag mailbox for re-auth: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return ErrMailboxNotFound
		}

		if _, err := tx.Exec(ctx, `
			UPDATE credentials SET needs_reauth = TRUE, updated_at = NOW() WHERE mailbox_id = $1
		`, mailboxID); err != nil {
			return fmt.Errorf("failed to flag credential for re-auth: %w", err)
		}

		return nil
	})
}
