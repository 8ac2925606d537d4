package imap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/ingest"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// SyncStats summarizes one mailbox sync.
type SyncStats struct {
	Folders     int
	NewFolders  int
	Mails       int
	Duplicates  int
	Attachments int
}

// Service runs the sync of one mailbox over a session:
// discover folders, then fetch and ingest each folder from its cursor.
type Service struct {
	mailboxes MailboxStore
	folders   FolderBuilder
	ingester  Ingester
	resolver  AuthResolver
	batchSize int
	log       zerolog.Logger
}

// NewService creates a new sync service.
func NewService(mailboxes MailboxStore, folders FolderBuilder, ingester Ingester, resolver AuthResolver, batchSize int, log zerolog.Logger) *Service {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Service{
		mailboxes: mailboxes,
		folders:   folders,
		ingester:  ingester,
		resolver:  resolver,
		batchSize: batchSize,
		log:       log.With().Str("component", "sync").Logger(),
	}
}

// SyncMailbox runs one full sync of the mailbox on sess and closes sess afterwards.
//
// Connectivity failures are logged and end the sync without an error; the next
// cycle retries. Authentication failures flag the mailbox for re-authentication
// and are returned. A failing folder doesn't stop the other folders; the first
// such error is returned once all folders were tried.
func (s *Service) SyncMailbox(ctx context.Context, sess ProtocolSession, mailboxID string) (*SyncStats, error) {
	stats := &SyncStats{}

	mailbox, err := s.mailboxes.GetMailbox(ctx, mailboxID)
	if err != nil {
		return stats, fmt.Errorf("failed to get mailbox: %w", err)
	}

	log := s.log.With().
		Str("mailbox_id", mailbox.ID).
		Str("username", logging.MaskEmail(mailbox.Username)).
		Logger()

	if mailbox.NeedsReauth {
		log.Debug().Msg("Mailbox needs re-authentication, skipping")
		return stats, nil
	}

	auth, err := s.resolver.Authenticator(ctx, mailbox)
	if err != nil {
		return stats, s.authFailed(ctx, mailbox.ID, err, log)
	}

	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close session")
		}
	}()

	if err := sess.Connect(ctx, EndpointFor(mailbox)); err != nil {
		return stats, s.connectivity(ctx, err, log)
	}

	if err := sess.Authenticate(ctx, auth); err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return stats, s.authFailed(ctx, mailbox.ID, err, log)
		}
		return stats, s.connectivity(ctx, err, log)
	}

	remote, err := sess.ListFolders(ctx)
	if err != nil {
		return stats, s.connectivity(ctx, err, log)
	}

	byPath, created, err := s.syncFolderTree(ctx, mailbox.ID, remote)
	if err != nil {
		return stats, err
	}
	stats.NewFolders = created

	var firstErr error
	for _, path := range remote {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		folder, ok := byPath[path]
		if !ok {
			log.Warn().Str("folder", path).Msg("Remote folder has no local record, skipping")
			continue
		}

		err := s.syncFolder(ctx, sess, mailbox, folder, stats, log)
		if err == nil {
			stats.Folders++
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return stats, err
		}
		if IsTransient(err) {
			return stats, s.connectivity(ctx, err, log)
		}

		log.Error().Err(err).Str("folder", path).Msg("Failed to sync folder")
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return stats, firstErr
	}

	if err := s.mailboxes.MarkMailboxSynced(ctx, mailbox.ID, time.Now()); err != nil {
		return stats, fmt.Errorf("failed to mark mailbox as synced: %w", err)
	}

	log.Info().
		Int("folders", stats.Folders).
		Int("new_folders", stats.NewFolders).
		Int("mails", stats.Mails).
		Int("duplicates", stats.Duplicates).
		Msg("Mailbox synced")

	return stats, nil
}

// syncFolderTree creates the local records of newly discovered remote folders and
// returns all local folders by path.
func (s *Service) syncFolderTree(ctx context.Context, mailboxID string, remote []string) (map[string]*models.Folder, int, error) {
	newPaths, err := s.folders.GetNewFolders(ctx, mailboxID, remote)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find new folders: %w", err)
	}

	for _, path := range newPaths {
		if _, err := s.folders.CreateFolder(ctx, path, mailboxID); err != nil {
			return nil, 0, fmt.Errorf("failed to create folder %s: %w", path, err)
		}
	}

	local, err := s.folders.GetFolders(ctx, mailboxID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get folders: %w", err)
	}

	byPath := make(map[string]*models.Folder, len(local))
	for _, f := range local {
		byPath[f.Path] = f
	}
	return byPath, len(newPaths), nil
}

// syncFolder fetches the folder from its cursor in batches until the queue is drained.
// The cursor advances after every committed batch.
func (s *Service) syncFolder(ctx context.Context, sess ProtocolSession, mailbox *models.Mailbox, folder *models.Folder, stats *SyncStats, log zerolog.Logger) error {
	status, err := sess.SelectFolder(ctx, folder.Path)
	if err != nil {
		return err
	}

	if folder.Cursor.UIDValidity != 0 && folder.Cursor.UIDValidity != status.UIDValidity {
		log.Warn().
			Str("folder", folder.Path).
			Uint32("old_uid_validity", folder.Cursor.UIDValidity).
			Uint32("uid_validity", status.UIDValidity).
			Msg("UID validity changed, resyncing folder")
	}

	queued, err := sess.Prepare(ctx, folder.Cursor)
	if err != nil {
		return err
	}
	if queued == 0 {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		drafts, err := sess.FetchNext(ctx, s.batchSize)
		if err != nil {
			return err
		}
		if len(drafts) == 0 {
			return nil
		}

		result, err := s.ingester.Ingest(ctx, ingest.Batch{Mailbox: mailbox, Folder: folder, Drafts: drafts}, status.UIDValidity)
		if err != nil {
			return err
		}

		stats.Mails += len(result.MailIDs)
		stats.Duplicates += result.Duplicates
		stats.Attachments += result.Attachments
	}
}

// authFailed flags the mailbox when err is an authentication failure and returns err.
func (s *Service) authFailed(ctx context.Context, mailboxID string, err error, log zerolog.Logger) error {
	if !errors.Is(err, ErrAuthenticationFailed) {
		return fmt.Errorf("failed to resolve credentials: %w", err)
	}

	log.Warn().Err(err).Msg("Authentication failed, mailbox needs re-authentication")
	if markErr := s.mailboxes.MarkNeedsReauth(ctx, mailboxID); markErr != nil {
		log.Error().Err(markErr).Msg("Failed to flag mailbox for re-authentication")
	}
	return err
}

// connectivity swallows transient errors so the mailbox is retried next cycle.
func (s *Service) connectivity(ctx context.Context, err error, log zerolog.Logger) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if IsTransient(err) {
		log.Warn().Err(err).Msg("Mailbox unreachable, retrying next cycle")
		return nil
	}
	return err
}
