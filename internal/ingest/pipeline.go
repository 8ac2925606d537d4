// Package ingest turns downloaded drafts into persisted mails: dedup, address
// interning, reply linking, persistence and attachment extraction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

// Store is the persistence the pipeline needs. Implemented by *db.Store.
type Store interface {
	FindMailsByHashes(ctx context.Context, mailboxID string, keys []models.HashKey) (map[models.HashKey]*models.Mail, error)
	FindMailByMessageID(ctx context.Context, mailboxID, messageID string) (*models.Mail, error)
	GetMail(ctx context.Context, mailID string) (*models.Mail, error)
	InternAddresses(ctx context.Context, addresses []string) (map[string]string, error)
	SaveMailBatch(ctx context.Context, batch *models.MailBatch) error
	SaveAttachments(ctx context.Context, attachments []*models.Attachment) error
}

// CursorUpdater moves folder cursors forward. Implemented by *folders.Builder.
type CursorUpdater interface {
	UpdateCursor(ctx context.Context, folderID string, cursor models.Cursor) (*models.Cursor, error)
}

// Batch is a group of drafts downloaded from one folder.
type Batch struct {
	Mailbox *models.Mailbox
	Folder  *models.Folder
	// UIDValidity is the folder's current epoch, recorded on every new mail.
	UIDValidity uint32
	Drafts      []*models.MailDraft
}

// Result describes what a batch changed.
type Result struct {
	// MailIDs are the IDs of the newly created mails, in draft order.
	MailIDs []string
	// IDs holds the mail ID of every draft, in draft order: the existing mail's ID for
	// duplicates, the new mail's ID otherwise.
	IDs         []string
	Duplicates  int
	Moved       int
	Linked      int
	Attachments int
	// Cursor is the folder cursor after Ingest. Nil after SaveMail alone.
	Cursor *models.Cursor
}

// Pipeline ingests batches of drafts.
type Pipeline struct {
	store     Store
	cursors   CursorUpdater
	extractor *Extractor
	log       zerolog.Logger
	now       func() time.Time
}

// NewPipeline creates a new Pipeline.
func NewPipeline(store Store, cursors CursorUpdater, extractor *Extractor, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		cursors:   cursors,
		extractor: extractor,
		log:       log.With().Str("component", "ingest").Logger(),
		now:       time.Now,
	}
}

// Ingest saves the batch and then advances the folder cursor to the highest UID and
// latest server receive time of the batch, duplicates included. The cursor only moves
// after the batch is committed. Receive times in the future count as now.
func (p *Pipeline) Ingest(ctx context.Context, batch Batch, uidValidity uint32) (*Result, error) {
	batch.UIDValidity = uidValidity
	result, err := p.SaveMail(ctx, batch)
	if err != nil {
		return nil, err
	}

	if len(batch.Drafts) == 0 {
		cursor := batch.Folder.Cursor
		result.Cursor = &cursor
		return result, nil
	}

	now := p.now()
	cursor := models.Cursor{UIDValidity: uidValidity}
	for _, d := range batch.Drafts {
		if d.UID > cursor.LastUID {
			cursor.LastUID = d.UID
		}
		if d.ReceivedAt == nil {
			continue
		}
		seen := *d.ReceivedAt
		if seen.After(now) {
			seen = now
		}
		if cursor.LastSeenAt == nil || seen.After(*cursor.LastSeenAt) {
			cursor.LastSeenAt = &seen
		}
	}

	stored, err := p.cursors.UpdateCursor(ctx, batch.Folder.ID, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to advance cursor of folder %s: %w", batch.Folder.Path, err)
	}

	batch.Folder.Cursor = *stored
	result.Cursor = stored
	return result, nil
}

// SaveMail persists the new drafts of a batch. Drafts already stored in the mailbox
// are not written again; if they show up in another folder they are moved there.
// Replies are appended to the tail of their thread's chain.
func (p *Pipeline) SaveMail(ctx context.Context, batch Batch) (*Result, error) {
	result := &Result{}
	if len(batch.Drafts) == 0 {
		return result, nil
	}

	log := p.log.With().
		Str("mailbox_id", batch.Mailbox.ID).
		Str("folder", batch.Folder.Path).
		Logger()

	fresh, known, moves, duplicates, err := p.dedup(ctx, batch)
	if err != nil {
		return nil, err
	}
	result.Duplicates = duplicates
	result.Moved = len(moves)

	mails, err := p.buildMails(ctx, batch, fresh)
	if err != nil {
		return nil, err
	}

	for i, m := range mails {
		known[fresh[i].Key()] = m.ID
	}
	result.IDs = make([]string, len(batch.Drafts))
	for i, d := range batch.Drafts {
		result.IDs[i] = known[d.Key()]
	}

	links, err := p.linkReplies(ctx, batch.Mailbox.ID, mails, log)
	if err != nil {
		return nil, err
	}
	result.Linked = countLinked(mails) + len(links)

	if len(mails) == 0 && len(moves) == 0 {
		return result, nil
	}

	if err := p.store.SaveMailBatch(ctx, &models.MailBatch{Mails: mails, Links: links, Moves: moves}); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	for _, m := range mails {
		result.MailIDs = append(result.MailIDs, m.ID)
	}

	result.Attachments = p.extractAttachments(ctx, batch, fresh, mails, log)

	log.Debug().
		Int("new", len(mails)).
		Int("duplicates", duplicates).
		Int("moved", len(moves)).
		Int("attachments", result.Attachments).
		Msg("Saved batch")

	return result, nil
}

// dedup splits the batch into drafts that need a new row and known mails seen in
// another folder. In-batch duplicates collapse onto their first occurrence.
// The returned map holds the IDs of drafts that are already stored.
func (p *Pipeline) dedup(ctx context.Context, batch Batch) ([]*models.MailDraft, map[models.HashKey]string, []models.FolderMove, int, error) {
	keys := make([]models.HashKey, 0, len(batch.Drafts))
	for _, d := range batch.Drafts {
		keys = append(keys, d.Key())
	}

	existing, err := p.store.FindMailsByHashes(ctx, batch.Mailbox.ID, keys)
	if err != nil {
		return nil, nil, nil, 0, fmt.Errorf("failed to check duplicates: %w", err)
	}

	var fresh []*models.MailDraft
	var moves []models.FolderMove
	ids := make(map[models.HashKey]string, len(existing))
	duplicates := 0
	seen := make(map[models.HashKey]bool, len(batch.Drafts))

	for _, d := range batch.Drafts {
		key := d.Key()
		if seen[key] {
			duplicates++
			continue
		}
		seen[key] = true

		if known, ok := existing[key]; ok {
			ids[key] = known.ID
			duplicates++
			if known.FolderID != batch.Folder.ID {
				moves = append(moves, models.FolderMove{MailID: known.ID, FolderID: batch.Folder.ID})
			}
			continue
		}

		fresh = append(fresh, d)
	}

	return fresh, ids, moves, duplicates, nil
}

// buildMails interns every address of the fresh drafts and builds their rows.
func (p *Pipeline) buildMails(ctx context.Context, batch Batch, fresh []*models.MailDraft) ([]*models.Mail, error) {
	if len(fresh) == 0 {
		return nil, nil
	}

	var addresses []string
	for _, d := range fresh {
		if d.From != "" {
			addresses = append(addresses, d.From)
		}
		addresses = append(addresses, d.To...)
		addresses = append(addresses, d.CC...)
	}

	ids, err := p.store.InternAddresses(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("failed to intern addresses: %w", err)
	}

	mails := make([]*models.Mail, 0, len(fresh))
	for _, d := range fresh {
		m := &models.Mail{
			ID:              uuid.NewString(),
			MailboxID:       batch.Mailbox.ID,
			FolderID:        batch.Folder.ID,
			IMAPUID:         d.UID,
			UIDValidity:     batch.UIDValidity,
			MessageIDHeader: d.MessageIDHeader,
			InReplyTo:       d.InReplyTo,
			Hash1:           d.Hash1,
			Hash2:           d.Hash2,
			Subject:         d.Subject,
			BodyText:        d.BodyText,
			BodyHTML:        d.BodyHTML,
			SentAt:          d.SentAt,
			ToIDs:           lookupIDs(ids, d.To),
			CCIDs:           lookupIDs(ids, d.CC),
		}
		if id, ok := ids[d.From]; ok {
			senderID := id
			m.SenderID = &senderID
		}
		mails = append(mails, m)
	}

	return mails, nil
}

func lookupIDs(ids map[string]string, addresses []string) []string {
	result := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if id, ok := ids[a]; ok {
			result = append(result, id)
		}
	}
	return result
}

// chainWalker follows reply chains across the current batch and the store.
// Links decided earlier in the same batch are visible through pending.
type chainWalker struct {
	store     Store
	inBatch   map[string]*models.Mail // id -> new mail
	persisted map[string]*models.Mail // id -> stored mail, loaded lazily
	pending   map[string]string       // stored tail id -> new reply id
}

func (w *chainWalker) get(ctx context.Context, id string) (*models.Mail, error) {
	if m, ok := w.inBatch[id]; ok {
		return m, nil
	}
	if m, ok := w.persisted[id]; ok {
		return m, nil
	}
	m, err := w.store.GetMail(ctx, id)
	if err != nil {
		return nil, err
	}
	w.persisted[id] = m
	return m, nil
}

func (w *chainWalker) next(m *models.Mail) (string, bool) {
	if id, ok := w.pending[m.ID]; ok {
		return id, true
	}
	if m.ReplyID != nil {
		return *m.ReplyID, true
	}
	return "", false
}

// tail follows replies from start to the last mail of the chain. It reports whether
// avoid was met on the way.
func (w *chainWalker) tail(ctx context.Context, start *models.Mail, avoid string) (*models.Mail, bool, error) {
	visited := map[string]bool{start.ID: true}
	current := start
	for {
		if current.ID == avoid {
			return current, true, nil
		}
		nextID, ok := w.next(current)
		if !ok {
			return current, false, nil
		}
		if visited[nextID] {
			return nil, false, fmt.Errorf("reply chain loops at mail %s", nextID)
		}
		visited[nextID] = true

		next, err := w.get(ctx, nextID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to walk reply chain: %w", err)
		}
		current = next
	}
}

// linkReplies attaches each new reply to the tail of its parent's chain. Parents are
// looked up in the batch first, then among the stored mails of the mailbox.
// Tails that are new mails are linked in place; stored tails are returned as links.
func (p *Pipeline) linkReplies(ctx context.Context, mailboxID string, mails []*models.Mail, log zerolog.Logger) ([]models.ReplyLink, error) {
	w := &chainWalker{
		store:     p.store,
		inBatch:   make(map[string]*models.Mail, len(mails)),
		persisted: make(map[string]*models.Mail),
		pending:   make(map[string]string),
	}

	byMessageID := make(map[string]*models.Mail, len(mails))
	for _, m := range mails {
		w.inBatch[m.ID] = m
		if m.MessageIDHeader != "" {
			if _, ok := byMessageID[m.MessageIDHeader]; !ok {
				byMessageID[m.MessageIDHeader] = m
			}
		}
	}

	var links []models.ReplyLink
	for _, m := range mails {
		if m.InReplyTo == "" || m.InReplyTo == m.MessageIDHeader {
			continue
		}

		parent, ok := byMessageID[m.InReplyTo]
		if !ok {
			stored, err := p.store.FindMailByMessageID(ctx, mailboxID, m.InReplyTo)
			if errors.Is(err, db.ErrMailNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to find parent of %s: %w", m.MessageIDHeader, err)
			}
			if cached, ok := w.persisted[stored.ID]; ok {
				stored = cached
			} else {
				w.persisted[stored.ID] = stored
			}
			parent = stored
		}

		tail, hitSelf, err := w.tail(ctx, parent, m.ID)
		if err != nil {
			log.Warn().Err(err).Str("message_id", m.MessageIDHeader).Msg("Not linking reply")
			continue
		}
		if hitSelf {
			continue
		}

		// Attaching m below a tail that already hangs below m would close a loop.
		if _, reaches, err := w.tail(ctx, m, tail.ID); err != nil || reaches {
			continue
		}

		tailID := tail.ID
		m.UpstreamID = &tailID
		if _, isNew := w.inBatch[tail.ID]; isNew {
			replyID := m.ID
			tail.HasReply = true
			tail.ReplyID = &replyID
			continue
		}

		w.pending[tail.ID] = m.ID
		links = append(links, models.ReplyLink{TailID: tail.ID, ReplyID: m.ID})
	}

	return links, nil
}

func countLinked(mails []*models.Mail) int {
	n := 0
	for _, m := range mails {
		if m.HasReply {
			n++
		}
	}
	return n
}

// extractAttachments writes the parts of new mails to disk and records them.
// Failures are logged; the batch itself is already committed.
func (p *Pipeline) extractAttachments(ctx context.Context, batch Batch, fresh []*models.MailDraft, mails []*models.Mail, log zerolog.Logger) int {
	if p.extractor == nil {
		return 0
	}

	var attachments []*models.Attachment
	for i, d := range fresh {
		attachments = append(attachments, p.extractor.Extract(batch.Mailbox.UserID, batch.Mailbox.ID, mails[i].ID, d.Parts)...)
	}

	if len(attachments) == 0 {
		return 0
	}

	if err := p.store.SaveAttachments(ctx, attachments); err != nil {
		log.Error().Err(err).Int("attachments", len(attachments)).Msg("Failed to save attachments")
		return 0
	}

	return len(attachments)
}
