package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// SaveAttachments stores the given attachment rows in one transaction.
// IDs are assigned by the caller, since they are part of the file names on disk.
func SaveAttachments(ctx context.Context, b Beginner, attachments []*models.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, b, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, a := range attachments {
			batch.Queue(`
				INSERT INTO attachments (
					id,
					mail_id,
					filename,
					mime_type,
					size_bytes,
					path,
					is_inline,
					content_id
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, a.ID, a.MailID, a.Filename, a.MimeType, a.SizeBytes, a.Path, a.IsInline, a.ContentID)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save attachments: %w", err)
		}
		return nil
	})
}

// GetAttachmentsForMail returns the attachments of a mail.
func GetAttachmentsForMail(ctx context.Context, q Querier, mailID string) ([]models.Attachment, error) {
	rows, err := q.Query(ctx, `
		SELECT id, mail_id, filename, mime_type, size_bytes, path, is_inline, content_id
		FROM attachments
		WHERE mail_id = $1
		ORDER BY filename
	`, mailID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MailID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.Path, &a.IsInline, &a.ContentID); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return attachments, nil
}
