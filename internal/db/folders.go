package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

var (
	// ErrFolderNotFound is returned when a requested folder cannot be found.
	ErrFolderNotFound = errors.New("folder not found")
	// ErrFolderExists is returned when a folder with the same path was created concurrently.
	ErrFolderExists = errors.New("folder already exists")
)

const folderColumns = `
	id,
	mailbox_id,
	parent_id,
	path,
	name,
	last_uid,
	uid_validity,
	last_seen_at,
	created_at`

func scanFolder(row pgx.Row) (*models.Folder, error) {
	var f models.Folder
	err := row.Scan(
		&f.ID,
		&f.MailboxID,
		&f.ParentID,
		&f.Path,
		&f.Name,
		&f.Cursor.LastUID,
		&f.Cursor.UIDValidity,
		&f.Cursor.LastSeenAt,
		&f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFolderByPath returns the folder of the mailbox with the given slash-delimited path.
func GetFolderByPath(ctx context.Context, q Querier, mailboxID, path string) (*models.Folder, error) {
	folder, err := scanFolder(q.QueryRow(ctx, `
		SELECT `+folderColumns+`
		FROM folders
		WHERE mailbox_id = $1 AND path = $2
	`, mailboxID, path))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFolderNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}

	return folder, nil
}

// GetFolderByID returns the folder with the given ID.
func GetFolderByID(ctx context.Context, q Querier, folderID string) (*models.Folder, error) {
	folder, err := scanFolder(q.QueryRow(ctx, `
		SELECT `+folderColumns+`
		FROM folders
		WHERE id = $1
	`, folderID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFolderNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get folder by ID: %w", err)
	}

	return folder, nil
}

// GetFoldersForMailbox returns all folders of a mailbox, parents before children.
func GetFoldersForMailbox(ctx context.Context, q Querier, mailboxID string) ([]*models.Folder, error) {
	rows, err := q.Query(ctx, `
		SELECT `+folderColumns+`
		FROM folders
		WHERE mailbox_id = $1
		ORDER BY path
	`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to get folders: %w", err)
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, folder)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folders: %w", err)
	}

	return folders, nil
}

// InsertFolders creates the given folders in one transaction, in slice order, so
// parents must come before their children. IDs are assigned by the caller.
// Returns ErrFolderExists if any path is already taken in the mailbox.
func InsertFolders(ctx context.Context, b Beginner, folders []*models.Folder) error {
	if len(folders) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, b, func(tx pgx.Tx) error {
		for _, f := range folders {
			err := tx.QueryRow(ctx, `
				INSERT INTO folders (id, mailbox_id, parent_id, path, name)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING created_at
			`, f.ID, f.MailboxID, f.ParentID, f.Path, f.Name).Scan(&f.CreatedAt)

			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrFolderExists, f.Path)
			}

			if err != nil {
				return fmt.Errorf("failed to insert folder %s: %w", f.Path, err)
			}
		}
		return nil
	})
}

// UpdateCursor moves the sync cursor of a folder forward and returns the stored cursor.
// Within the same UID validity epoch the UID never decreases; a new epoch replaces it.
// The last-seen timestamp never decreases.
func UpdateCursor(ctx context.Context, q Querier, folderID string, cursor models.Cursor) (*models.Cursor, error) {
	var stored models.Cursor

	err := q.QueryRow(ctx, `
		UPDATE folders SET
			last_uid = CASE
				WHEN uid_validity = $3 THEN GREATEST(last_uid, $2)
				ELSE $2
			END,
			uid_validity = $3,
			last_seen_at = GREATEST(last_seen_at, $4::timestamptz)
		WHERE id = $1
		RETURNING last_uid, uid_validity, last_seen_at
	`, folderID, int64(cursor.LastUID), int64(cursor.UIDValidity), cursor.LastSeenAt).Scan(
		&stored.LastUID,
		&stored.UIDValidity,
		&stored.LastSeenAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFolderNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to update folder cursor: %w", err)
	}

	return &stored, nil
}
