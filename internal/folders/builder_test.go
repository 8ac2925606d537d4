package folders

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

type memoryStore struct {
	mu      sync.Mutex
	folders map[string]*models.Folder // mailboxID/path -> folder
	inserts int

	// beforeInsert runs before the uniqueness check, to simulate a concurrent writer.
	beforeInsert func(pending []*models.Folder)
}

func newMemoryStore() *memoryStore {
	return &memoryStore{folders: make(map[string]*models.Folder)}
}

func (s *memoryStore) GetFolderByPath(_ context.Context, mailboxID, path string) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[mailboxID+"/"+path]; ok {
		return f, nil
	}
	return nil, db.ErrFolderNotFound
}

func (s *memoryStore) GetFolders(_ context.Context, mailboxID string) ([]*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*models.Folder
	for _, f := range s.folders {
		if f.MailboxID == mailboxID {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *memoryStore) InsertFolders(_ context.Context, folders []*models.Folder) error {
	if s.beforeInsert != nil {
		s.beforeInsert(folders)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range folders {
		if _, ok := s.folders[f.MailboxID+"/"+f.Path]; ok {
			return db.ErrFolderExists
		}
	}
	for _, f := range folders {
		s.folders[f.MailboxID+"/"+f.Path] = f
	}
	s.inserts++
	return nil
}

func (s *memoryStore) UpdateCursor(_ context.Context, folderID string, cursor models.Cursor) (*models.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.folders {
		if f.ID == folderID {
			f.Cursor = cursor
			return &cursor, nil
		}
	}
	return nil, db.ErrFolderNotFound
}

const testMailboxID = "mailbox-1"

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"INBOX", "INBOX"},
		{"/A/B/", "A/B"},
		{"A//B///C", "A/B/C"},
		{"///", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}

func TestCreateFolder(t *testing.T) {
	ctx := context.Background()

	t.Run("creates the whole chain in one insert", func(t *testing.T) {
		store := newMemoryStore()
		builder := NewBuilder(store, zerolog.Nop())

		leaf, err := builder.CreateFolder(ctx, "A/B/C", testMailboxID)
		require.NoError(t, err)
		assert.Equal(t, "C", leaf.Name)
		assert.Equal(t, "A/B/C", leaf.Path)
		assert.Equal(t, 1, store.inserts)

		b, err := store.GetFolderByPath(ctx, testMailboxID, "A/B")
		require.NoError(t, err)
		a, err := store.GetFolderByPath(ctx, testMailboxID, "A")
		require.NoError(t, err)

		require.NotNil(t, leaf.ParentID)
		assert.Equal(t, b.ID, *leaf.ParentID)
		require.NotNil(t, b.ParentID)
		assert.Equal(t, a.ID, *b.ParentID)
		assert.Nil(t, a.ParentID)

		again, err := builder.CreateFolder(ctx, "/A/B/C/", testMailboxID)
		require.NoError(t, err)
		assert.Equal(t, leaf.ID, again.ID)
		assert.Equal(t, 1, store.inserts, "existing folder must not be re-inserted")
	})

	t.Run("reuses existing ancestors", func(t *testing.T) {
		store := newMemoryStore()
		builder := NewBuilder(store, zerolog.Nop())

		a, err := builder.CreateFolder(ctx, "A", testMailboxID)
		require.NoError(t, err)

		c, err := builder.CreateFolder(ctx, "A/B/C", testMailboxID)
		require.NoError(t, err)

		b, err := store.GetFolderByPath(ctx, testMailboxID, "A/B")
		require.NoError(t, err)
		assert.Equal(t, a.ID, *b.ParentID)
		assert.Equal(t, b.ID, *c.ParentID)
		assert.Equal(t, 2, store.inserts)
	})

	t.Run("returns the winner on a concurrent create", func(t *testing.T) {
		store := newMemoryStore()
		builder := NewBuilder(store, zerolog.Nop())

		winner := &models.Folder{ID: uuid.NewString(), MailboxID: testMailboxID, Path: "X", Name: "X"}
		store.beforeInsert = func([]*models.Folder) {
			store.mu.Lock()
			store.folders[testMailboxID+"/X"] = winner
			store.mu.Unlock()
			store.beforeInsert = nil
		}

		folder, err := builder.CreateFolder(ctx, "X", testMailboxID)
		require.NoError(t, err)
		assert.Equal(t, winner.ID, folder.ID)
	})

	t.Run("resolves again when an ancestor was created concurrently", func(t *testing.T) {
		store := newMemoryStore()
		builder := NewBuilder(store, zerolog.Nop())

		parent := &models.Folder{ID: uuid.NewString(), MailboxID: testMailboxID, Path: "Work", Name: "Work"}
		store.beforeInsert = func([]*models.Folder) {
			store.mu.Lock()
			store.folders[testMailboxID+"/Work"] = parent
			store.mu.Unlock()
			store.beforeInsert = nil
		}

		leaf, err := builder.CreateFolder(ctx, "Work/Projects", testMailboxID)
		require.NoError(t, err)
		assert.Equal(t, "Work/Projects", leaf.Path)
		require.NotNil(t, leaf.ParentID)
		assert.Equal(t, parent.ID, *leaf.ParentID)

		stored, err := store.GetFolderByPath(ctx, testMailboxID, "Work/Projects")
		require.NoError(t, err)
		assert.Equal(t, leaf.ID, stored.ID)
		assert.Equal(t, 1, store.inserts)
	})

	t.Run("gives up after one retry", func(t *testing.T) {
		store := newMemoryStore()
		builder := NewBuilder(store, zerolog.Nop())

		// Every insert loses the race on the first folder of its chain.
		calls := 0
		store.beforeInsert = func(pending []*models.Folder) {
			calls++
			winner := *pending[0]
			winner.ID = uuid.NewString()
			store.mu.Lock()
			store.folders[testMailboxID+"/"+winner.Path] = &winner
			store.mu.Unlock()
		}

		_, err := builder.CreateFolder(ctx, "Busy/Inner/Leaf", testMailboxID)
		assert.True(t, errors.Is(err, db.ErrFolderExists))
		assert.Equal(t, 2, calls)
	})

	t.Run("rejects empty path", func(t *testing.T) {
		builder := NewBuilder(newMemoryStore(), zerolog.Nop())
		_, err := builder.CreateFolder(ctx, "//", testMailboxID)
		assert.Error(t, err)
	})
}

func TestGetNewFolders(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	builder := NewBuilder(store, zerolog.Nop())

	_, err := builder.CreateFolder(ctx, "INBOX", testMailboxID)
	require.NoError(t, err)

	fresh, err := builder.GetNewFolders(ctx, testMailboxID, []string{"INBOX", "Sent", "Work/Projects", "Sent"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Sent", "Work/Projects"}, fresh)
}

func TestUpdateCursorUnknownFolder(t *testing.T) {
	builder := NewBuilder(newMemoryStore(), zerolog.Nop())

	_, err := builder.UpdateCursor(context.Background(), "missing", models.Cursor{LastUID: 1, UIDValidity: 1})
	assert.True(t, errors.Is(err, db.ErrFolderNotFound))
}
