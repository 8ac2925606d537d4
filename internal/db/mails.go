package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

var (
	// ErrMailNotFound is returned when a requested mail cannot be found.
	ErrMailNotFound = errors.New("mail not found")
	// ErrReplyConflict is returned when a mail that should become a chain tail's reply
	// finds the tail already taken.
	ErrReplyConflict = errors.New("reply chain tail already has a reply")
)

const mailColumns = `
	id,
	mailbox_id,
	folder_id,
	imap_uid,
	uid_validity,
	message_id_header,
	in_reply_to_header,
	hash1,
	hash2,
	sender_id,
	subject,
	body_text,
	body_html,
	sent_at,
	upstream_id,
	has_reply,
	reply_id`

func scanMail(row pgx.Row) (*models.Mail, error) {
	var m models.Mail
	err := row.Scan(
		&m.ID,
		&m.MailboxID,
		&m.FolderID,
		&m.IMAPUID,
		&m.UIDValidity,
		&m.MessageIDHeader,
		&m.InReplyTo,
		&m.Hash1,
		&m.Hash2,
		&m.SenderID,
		&m.Subject,
		&m.BodyText,
		&m.BodyHTML,
		&m.SentAt,
		&m.UpstreamID,
		&m.HasReply,
		&m.ReplyID,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMail returns the mail with the given ID, including its recipients.
func GetMail(ctx context.Context, q Querier, mailID string) (*models.Mail, error) {
	mail, err := scanMail(q.QueryRow(ctx, `
		SELECT `+mailColumns+`
		FROM mails
		WHERE id = $1
	`, mailID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMailNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get mail: %w", err)
	}

	if err := loadRecipients(ctx, q, mail); err != nil {
		return nil, err
	}

	return mail, nil
}

// FindMailByMessageID returns the oldest mail of the mailbox with the given Message-ID header.
func FindMailByMessageID(ctx context.Context, q Querier, mailboxID, messageID string) (*models.Mail, error) {
	if messageID == "" {
		return nil, ErrMailNotFound
	}

	mail, err := scanMail(q.QueryRow(ctx, `
		SELECT `+mailColumns+`
		FROM mails
		WHERE mailbox_id = $1 AND message_id_header = $2
		ORDER BY created_at, id
		LIMIT 1
	`, mailboxID, messageID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMailNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to find mail by Message-ID: %w", err)
	}

	return mail, nil
}

// FindMailsByHashes returns the persisted mails of the mailbox matching any of the keys.
func FindMailsByHashes(ctx context.Context, q Querier, mailboxID string, keys []models.HashKey) (map[models.HashKey]*models.Mail, error) {
	found := make(map[models.HashKey]*models.Mail, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	hash1 := make([]string, len(keys))
	hash2 := make([]string, len(keys))
	for i, k := range keys {
		hash1[i] = k.Hash1
		hash2[i] = k.Hash2
	}

	rows, err := q.Query(ctx, `
		SELECT DISTINCT ON (m.hash1, m.hash2) `+prefixed("m", mailColumns)+`
		FROM mails m
		JOIN unnest($2::text[], $3::text[]) AS k(hash1, hash2)
			ON m.hash1 = k.hash1 AND m.hash2 = k.hash2
		WHERE m.mailbox_id = $1
		ORDER BY m.hash1, m.hash2, m.created_at
	`, mailboxID, hash1, hash2)
	if err != nil {
		return nil, fmt.Errorf("failed to find mails by hash: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		mail, err := scanMail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mail: %w", err)
		}
		found[mail.Key()] = mail
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mails: %w", err)
	}

	return found, nil
}

// GetMailsForFolder returns the mails currently filed in a folder, ordered by UID.
func GetMailsForFolder(ctx context.Context, q Querier, folderID string) ([]*models.Mail, error) {
	rows, err := q.Query(ctx, `
		SELECT `+mailColumns+`
		FROM mails
		WHERE folder_id = $1
		ORDER BY imap_uid
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get mails: %w", err)
	}
	defer rows.Close()

	var mails []*models.Mail
	for rows.Next() {
		mail, err := scanMail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mail: %w", err)
		}
		mails = append(mails, mail)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mails: %w", err)
	}

	return mails, nil
}

// SaveMailBatch writes a batch in one transaction: new mails with their recipients,
// then links from persisted chain tails to new replies, then folder moves.
// A tail that already has a reply fails the whole batch with ErrReplyConflict.
func SaveMailBatch(ctx context.Context, b Beginner, mb *models.MailBatch) error {
	return pgx.BeginFunc(ctx, b, func(tx pgx.Tx) error {
		if err := insertMails(ctx, tx, mb.Mails); err != nil {
			return err
		}

		for _, link := range mb.Links {
			tag, err := tx.Exec(ctx, `
				UPDATE mails SET has_reply = TRUE, reply_id = $2
				WHERE id = $1 AND has_reply = FALSE
			`, link.TailID, link.ReplyID)
			if err != nil {
				return fmt.Errorf("failed to link reply: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: tail %s", ErrReplyConflict, link.TailID)
			}
		}

		for _, move := range mb.Moves {
			tag, err := tx.Exec(ctx, `
				UPDATE mails SET folder_id = $2 WHERE id = $1
			`, move.MailID, move.FolderID)
			if err != nil {
				return fmt.Errorf("failed to move mail: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s", ErrMailNotFound, move.MailID)
			}
		}

		return nil
	})
}

func insertMails(ctx context.Context, tx pgx.Tx, mails []*models.Mail) error {
	if len(mails) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range mails {
		batch.Queue(`
			INSERT INTO mails (
				id,
				mailbox_id,
				folder_id,
				imap_uid,
				uid_validity,
				message_id_header,
				in_reply_to_header,
				hash1,
				hash2,
				sender_id,
				subject,
				body_text,
				body_html,
				sent_at,
				upstream_id,
				has_reply,
				reply_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		`,
			m.ID,
			m.MailboxID,
			m.FolderID,
			int64(m.IMAPUID),
			int64(m.UIDValidity),
			m.MessageIDHeader,
			m.InReplyTo,
			m.Hash1,
			m.Hash2,
			m.SenderID,
			m.Subject,
			m.BodyText,
			m.BodyHTML,
			m.SentAt,
			m.UpstreamID,
			m.HasReply,
			m.ReplyID,
		)
		for i, id := range m.ToIDs {
			batch.Queue(`
				INSERT INTO mail_recipients (mail_id, address_id, kind, position) VALUES ($1, $2, 'to', $3)
			`, m.ID, id, i)
		}
		for i, id := range m.CCIDs {
			batch.Queue(`
				INSERT INTO mail_recipients (mail_id, address_id, kind, position) VALUES ($1, $2, 'cc', $3)
			`, m.ID, id, i)
		}
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert mails: %w", err)
	}

	return nil
}

func loadRecipients(ctx context.Context, q Querier, mail *models.Mail) error {
	rows, err := q.Query(ctx, `
		SELECT address_id, kind
		FROM mail_recipients
		WHERE mail_id = $1
		ORDER BY kind, position
	`, mail.ID)
	if err != nil {
		return fmt.Errorf("failed to get recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addressID, kind string
		if err := rows.Scan(&addressID, &kind); err != nil {
			return fmt.Errorf("failed to scan recipient: %w", err)
		}
		if kind == "to" {
			mail.ToIDs = append(mail.ToIDs, addressID)
		} else {
			mail.CCIDs = append(mail.CCIDs, addressID)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating recipients: %w", err)
	}

	return nil
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
