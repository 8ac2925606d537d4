package imap

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/folders"
	"github.com/vdavid/mailsync/internal/ingest"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

type serverResolver struct {
	server *testutil.TestIMAPServer
}

func (r serverResolver) Authenticator(context.Context, *models.Mailbox) (Authenticator, error) {
	return PasswordAuth{User: r.server.Username(), Password: r.server.Password()}, nil
}

// TestSyncMailboxDetectsNewEmail runs the whole sync against a real database and IMAP server:
// 1. Add initial emails to IMAP and sync them
// 2. Check they were stored with their reply chain
// 3. Add a new email to IMAP server and sync again
// 4. Verify only the new email was added and the cursor moved
func TestSyncMailboxDetectsNewEmail(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	server := testutil.NewTestIMAPServer(t)
	defer server.Close()
	server.EnsureINBOX(t)

	ctx := context.Background()
	host, port := server.HostPort(t)
	mailbox := &models.Mailbox{
		UserID:   "owner-0123456789abcdef",
		Username: server.Username(),
		Host:     host,
		Port:     port,
		Security: models.SecurityNone,
		AuthMode: models.AuthModePassword,
	}
	require.NoError(t, db.CreateMailbox(ctx, pool, mailbox))

	store := db.NewStore(pool)
	builder := folders.NewBuilder(store, zerolog.Nop())
	pipeline := ingest.NewPipeline(store, builder, ingest.NewExtractor(afero.NewMemMapFs(), "/attachments", zerolog.Nop()), zerolog.Nop())
	service := NewService(store, builder, pipeline, serverResolver{server: server}, 2, zerolog.Nop())

	// Step 1: Add initial emails to IMAP
	now := time.Now().Truncate(time.Second)
	server.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<initial1@test>", Subject: "Initial Email 1", From: "from1@test.com", To: "to@test.com", SentAt: now.Add(-2 * time.Hour),
	})
	server.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<initial2@test>", InReplyTo: "<initial1@test>", Subject: "Re: Initial Email 1", From: "to@test.com", To: "from1@test.com", SentAt: now.Add(-1 * time.Hour),
	})

	stats, err := service.SyncMailbox(ctx, NewSession(zerolog.Nop()), mailbox.ID)
	require.NoError(t, err)
	initialCount := stats.Mails
	assert.GreaterOrEqual(t, initialCount, 2)

	// Step 2: Check what was stored
	inbox, err := store.GetFolderByPath(ctx, mailbox.ID, "INBOX")
	require.NoError(t, err)

	mails, err := db.GetMailsForFolder(ctx, pool, inbox.ID)
	require.NoError(t, err)
	assert.Len(t, mails, initialCount)

	first, err := store.FindMailByMessageID(ctx, mailbox.ID, "<initial1@test>")
	require.NoError(t, err)
	second, err := store.FindMailByMessageID(ctx, mailbox.ID, "<initial2@test>")
	require.NoError(t, err)
	assert.True(t, first.HasReply)
	require.NotNil(t, first.ReplyID)
	assert.Equal(t, second.ID, *first.ReplyID)

	require.NotZero(t, inbox.Cursor.UIDValidity)
	lastUID := inbox.Cursor.LastUID

	synced, err := store.GetMailbox(ctx, mailbox.ID)
	require.NoError(t, err)
	assert.NotNil(t, synced.LastSyncedAt)

	// Step 3: Add a new email, replying to the first one, and sync again
	newUID := server.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<new-email@test>", InReplyTo: "<initial1@test>", Subject: "Re: Initial Email 1", From: "from1@test.com", To: "to@test.com", SentAt: now,
	})

	stats, err = service.SyncMailbox(ctx, NewSession(zerolog.Nop()), mailbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Mails)

	// Step 4: Verify
	mails, err = db.GetMailsForFolder(ctx, pool, inbox.ID)
	require.NoError(t, err)
	assert.Len(t, mails, initialCount+1)

	inbox, err = store.GetFolderByPath(ctx, mailbox.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, newUID, inbox.Cursor.LastUID)
	assert.Greater(t, inbox.Cursor.LastUID, lastUID)

	// The new reply hangs below the previous tail, not below the root.
	second, err = store.FindMailByMessageID(ctx, mailbox.ID, "<initial2@test>")
	require.NoError(t, err)
	newest, err := store.FindMailByMessageID(ctx, mailbox.ID, "<new-email@test>")
	require.NoError(t, err)
	require.NotNil(t, second.ReplyID)
	assert.Equal(t, newest.ID, *second.ReplyID)
	assert.False(t, newest.HasReply)

	// A third sync finds nothing new.
	stats, err = service.SyncMailbox(ctx, NewSession(zerolog.Nop()), mailbox.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.Mails)
}
