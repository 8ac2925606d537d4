package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// Store exposes the package functions as methods over one pool, so that components
// can depend on small interfaces and be tested with in-memory implementations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store that uses the given database pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetMailbox(ctx context.Context, mailboxID string) (*models.Mailbox, error) {
	return GetMailbox(ctx, s.pool, mailboxID)
}

func (s *Store) ListMailboxIDs(ctx context.Context) ([]string, error) {
	return ListMailboxIDs(ctx, s.pool)
}

func (s *Store) MarkMailboxSynced(ctx context.Context, mailboxID string, syncedAt time.Time) error {
	return MarkMailboxSynced(ctx, s.pool, mailboxID, syncedAt)
}

func (s *Store) MarkNeedsReauth(ctx context.Context, mailboxID string) error {
	return MarkNeedsReauth(ctx, s.pool, mailboxID)
}

func (s *Store) GetCredential(ctx context.Context, mailboxID string) (*models.Credential, error) {
	return GetCredentialForMailbox(ctx, s.pool, mailboxID)
}

func (s *Store) SaveCredential(ctx context.Context, cred *models.Credential) error {
	return SaveCredential(ctx, s.pool, cred)
}

func (s *Store) GetFolderByPath(ctx context.Context, mailboxID, path string) (*models.Folder, error) {
	return GetFolderByPath(ctx, s.pool, mailboxID, path)
}

func (s *Store) GetFolders(ctx context.Context, mailboxID string) ([]*models.Folder, error) {
	return GetFoldersForMailbox(ctx, s.pool, mailboxID)
}

func (s *Store) InsertFolders(ctx context.Context, folders []*models.Folder) error {
	return InsertFolders(ctx, s.pool, folders)
}

func (s *Store) UpdateCursor(ctx context.Context, folderID string, cursor models.Cursor) (*models.Cursor, error) {
	return UpdateCursor(ctx, s.pool, folderID, cursor)
}

func (s *Store) FindMailsByHashes(ctx context.Context, mailboxID string, keys []models.HashKey) (map[models.HashKey]*models.Mail, error) {
	return FindMailsByHashes(ctx, s.pool, mailboxID, keys)
}

func (s *Store) FindMailByMessageID(ctx context.Context, mailboxID, messageID string) (*models.Mail, error) {
	return FindMailByMessageID(ctx, s.pool, mailboxID, messageID)
}

func (s *Store) GetMail(ctx context.Context, mailID string) (*models.Mail, error) {
	return GetMail(ctx, s.pool, mailID)
}

func (s *Store) InternAddresses(ctx context.Context, addresses []string) (map[string]string, error) {
	return InternAddresses(ctx, s.pool, addresses)
}

func (s *Store) SaveMailBatch(ctx context.Context, batch *models.MailBatch) error {
	return SaveMailBatch(ctx, s.pool, batch)
}

func (s *Store) SaveAttachments(ctx context.Context, attachments []*models.Attachment) error {
	return SaveAttachments(ctx, s.pool, attachments)
}
