package imap

import (
	"context"
	"time"

	"github.com/vdavid/mailsync/internal/ingest"
	"github.com/vdavid/mailsync/internal/models"
)

// ProtocolSession is the per-mailbox connection a sync runs on.
// *Session implements it; tests use fakes.
type ProtocolSession interface {
	Connect(ctx context.Context, endpoint Endpoint) error
	Authenticate(ctx context.Context, auth Authenticator) error
	ListFolders(ctx context.Context) ([]string, error)
	SelectFolder(ctx context.Context, path string) (*FolderStatus, error)
	Prepare(ctx context.Context, cursor models.Cursor) (int, error)
	FetchNext(ctx context.Context, n int) ([]*models.MailDraft, error)
	Close() error
}

// MailboxStore is the mailbox bookkeeping the service needs. Implemented by *db.Store.
type MailboxStore interface {
	GetMailbox(ctx context.Context, mailboxID string) (*models.Mailbox, error)
	MarkMailboxSynced(ctx context.Context, mailboxID string, syncedAt time.Time) error
	MarkNeedsReauth(ctx context.Context, mailboxID string) error
}

// FolderBuilder materializes remote folders locally. Implemented by *folders.Builder.
type FolderBuilder interface {
	GetNewFolders(ctx context.Context, mailboxID string, remotePaths []string) ([]string, error)
	CreateFolder(ctx context.Context, path, mailboxID string) (*models.Folder, error)
	GetFolders(ctx context.Context, mailboxID string) ([]*models.Folder, error)
}

// Ingester persists downloaded batches and advances cursors. Implemented by *ingest.Pipeline.
type Ingester interface {
	Ingest(ctx context.Context, batch ingest.Batch, uidValidity uint32) (*ingest.Result, error)
}

// AuthResolver turns a mailbox's stored credential into an Authenticator.
// Errors wrapping ErrAuthenticationFailed mean the user has to re-authenticate.
type AuthResolver interface {
	Authenticator(ctx context.Context, mailbox *models.Mailbox) (Authenticator, error)
}

// Ensure Session implements ProtocolSession interface
var _ ProtocolSession = (*Session)(nil)
