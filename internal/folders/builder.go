// Package folders maintains the local folder tree of each mailbox.
package folders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

// Store is the persistence the builder needs. Implemented by *db.Store.
type Store interface {
	GetFolderByPath(ctx context.Context, mailboxID, path string) (*models.Folder, error)
	GetFolders(ctx context.Context, mailboxID string) ([]*models.Folder, error)
	InsertFolders(ctx context.Context, folders []*models.Folder) error
	UpdateCursor(ctx context.Context, folderID string, cursor models.Cursor) (*models.Cursor, error)
}

// Builder creates folders with all their missing ancestors.
type Builder struct {
	store Store
	log   zerolog.Logger
}

// NewBuilder creates a new Builder.
func NewBuilder(store Store, log zerolog.Logger) *Builder {
	return &Builder{store: store, log: log.With().Str("component", "folders").Logger()}
}

// NormalizePath trims surrounding slashes and collapses empty segments.
func NormalizePath(path string) string {
	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	return strings.Join(segments, "/")
}

// CreateFolder returns the folder at path, creating it and every missing ancestor.
// The whole missing chain is committed at once. If another sync created any folder of
// the chain concurrently, the chain is resolved again against the winner's rows.
func (b *Builder) CreateFolder(ctx context.Context, path, mailboxID string) (*models.Folder, error) {
	path = NormalizePath(path)
	if path == "" {
		return nil, fmt.Errorf("folder path is empty")
	}

	leaf, err := b.createChain(ctx, mailboxID, path)
	if errors.Is(err, db.ErrFolderExists) {
		b.log.Debug().Str("path", path).Msg("Folder chain created concurrently, resolving again")
		leaf, err = b.createChain(ctx, mailboxID, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create folder %s: %w", path, err)
	}
	return leaf, nil
}

// createChain resolves path and inserts the missing part of its chain.
func (b *Builder) createChain(ctx context.Context, mailboxID, path string) (*models.Folder, error) {
	var pending []*models.Folder
	leaf, err := b.resolve(ctx, mailboxID, path, &pending)
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		return leaf, nil
	}

	if err := b.store.InsertFolders(ctx, pending); err != nil {
		return nil, err
	}

	b.log.Info().Str("mailbox_id", mailboxID).Str("path", path).Int("created", len(pending)).Msg("Created folder")
	return leaf, nil
}

// resolve returns the folder at path, either stored or newly built. New folders are
// appended to pending, parents first.
func (b *Builder) resolve(ctx context.Context, mailboxID, path string, pending *[]*models.Folder) (*models.Folder, error) {
	existing, err := b.store.GetFolderByPath(ctx, mailboxID, path)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, db.ErrFolderNotFound) {
		return nil, fmt.Errorf("failed to look up folder %s: %w", path, err)
	}

	folder := &models.Folder{
		ID:        uuid.NewString(),
		MailboxID: mailboxID,
		Path:      path,
		Name:      path,
	}

	if i := strings.LastIndex(path, "/"); i >= 0 {
		parent, err := b.resolve(ctx, mailboxID, path[:i], pending)
		if err != nil {
			return nil, err
		}
		folder.ParentID = &parent.ID
		folder.Name = path[i+1:]
	}

	*pending = append(*pending, folder)
	return folder, nil
}

// GetNewFolders returns the remote paths that have no local folder yet, in input order.
func (b *Builder) GetNewFolders(ctx context.Context, mailboxID string, remotePaths []string) ([]string, error) {
	local, err := b.store.GetFolders(ctx, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to get folders: %w", err)
	}

	known := make(map[string]bool, len(local))
	for _, f := range local {
		known[f.Path] = true
	}

	var fresh []string
	for _, p := range remotePaths {
		p = NormalizePath(p)
		if p == "" || known[p] {
			continue
		}
		known[p] = true
		fresh = append(fresh, p)
	}
	return fresh, nil
}

// GetFolders returns the local folders of a mailbox.
func (b *Builder) GetFolders(ctx context.Context, mailboxID string) ([]*models.Folder, error) {
	return b.store.GetFolders(ctx, mailboxID)
}

// UpdateCursor moves a folder's sync cursor forward. The store refuses regressions.
// Returns db.ErrFolderNotFound if the folder no longer exists.
func (b *Builder) UpdateCursor(ctx context.Context, folderID string, cursor models.Cursor) (*models.Cursor, error) {
	return b.store.UpdateCursor(ctx, folderID, cursor)
}
