package imap

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/models"
)

// ParseDraft converts a fetched IMAP message into an unpersisted mail.
// The envelope provides headers; the body is parsed with enmime into text, HTML
// and attachment parts. A body that can't be parsed leaves a header-only draft.
func ParseDraft(msg *imap.Message) (*models.MailDraft, error) {
	if msg == nil {
		return nil, fmt.Errorf("imap message is nil")
	}

	draft := &models.MailDraft{UID: msg.Uid}

	var env *enmime.Envelope
	if body := msg.GetBody(fullBodySection); body != nil {
		parsed, err := enmime.ReadEnvelope(body)
		if err == nil {
			env = parsed
		}
	}

	if msg.Envelope != nil {
		applyEnvelope(draft, msg.Envelope)
	} else if env != nil {
		applyHeaders(draft, env)
	} else {
		return nil, fmt.Errorf("message %d has neither envelope nor body", msg.Uid)
	}

	if !msg.InternalDate.IsZero() {
		internal := msg.InternalDate
		draft.ReceivedAt = &internal
		if draft.SentAt == nil {
			draft.SentAt = &internal
		}
	}

	if env != nil {
		draft.BodyText = env.Text
		draft.BodyHTML = env.HTML
		draft.Parts = collectParts(env)
	}

	draft.Hash1 = headerHash(draft)
	draft.Hash2 = bodyHash(draft)

	return draft, nil
}

func applyEnvelope(draft *models.MailDraft, e *imap.Envelope) {
	draft.MessageIDHeader = strings.TrimSpace(e.MessageId)
	draft.InReplyTo = firstMessageID(e.InReplyTo)
	draft.Subject = e.Subject
	if len(e.From) > 0 {
		draft.From = formatAddress(e.From[0])
	}
	draft.To = formatAddressList(e.To)
	draft.CC = formatAddressList(e.Cc)
	if !e.Date.IsZero() {
		date := e.Date
		draft.SentAt = &date
	}
}

// applyHeaders fills the draft from raw headers when the server sent no envelope.
func applyHeaders(draft *models.MailDraft, env *enmime.Envelope) {
	draft.MessageIDHeader = strings.TrimSpace(env.GetHeader("Message-ID"))
	draft.InReplyTo = firstMessageID(env.GetHeader("In-Reply-To"))
	draft.Subject = env.GetHeader("Subject")

	if from, err := env.AddressList("From"); err == nil && len(from) > 0 {
		draft.From = NormalizeAddress(from[0].Address)
	}
	if to, err := env.AddressList("To"); err == nil {
		for _, a := range to {
			draft.To = appendAddress(draft.To, a.Address)
		}
	}
	if cc, err := env.AddressList("Cc"); err == nil {
		for _, a := range cc {
			draft.CC = appendAddress(draft.CC, a.Address)
		}
	}
	if date, err := env.Date(); err == nil {
		draft.SentAt = &date
	}
}

func collectParts(env *enmime.Envelope) []models.DraftPart {
	var parts []models.DraftPart
	add := func(p *enmime.Part, inline bool) {
		if p == nil || len(p.Content) == 0 {
			return
		}
		parts = append(parts, models.DraftPart{
			Filename:    p.FileName,
			ContentType: p.ContentType,
			ContentID:   strings.Trim(p.ContentID, "<>"),
			IsInline:    inline,
			Content:     p.Content,
		})
	}
	for _, p := range env.Attachments {
		add(p, false)
	}
	for _, p := range env.Inlines {
		add(p, true)
	}
	for _, p := range env.OtherParts {
		add(p, p.ContentID != "")
	}
	return parts
}

// headerHash identifies a message by its Message-ID, sender, sent time (UTC seconds) and subject.
func headerHash(d *models.MailDraft) string {
	h := sha256.New()
	_, _ = io.WriteString(h, d.MessageIDHeader)
	_, _ = io.WriteString(h, "\n")
	_, _ = io.WriteString(h, d.From)
	_, _ = io.WriteString(h, "\n")
	if d.SentAt != nil {
		_, _ = io.WriteString(h, strconv.FormatInt(d.SentAt.UTC().Unix(), 10))
	}
	_, _ = io.WriteString(h, "\n")
	_, _ = io.WriteString(h, strings.TrimSpace(d.Subject))
	return hex.EncodeToString(h.Sum(nil))
}

// bodyHash identifies a message by its normalized text and HTML bodies.
func bodyHash(d *models.MailDraft) string {
	h := md5.New()
	_, _ = io.WriteString(h, normalizeBody(d.BodyText))
	_, _ = io.WriteString(h, "\n")
	_, _ = io.WriteString(h, normalizeBody(d.BodyHTML))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeBody(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

// firstMessageID returns the first <...> token of a header that may list several IDs.
// Headers without brackets are returned trimmed.
func firstMessageID(header string) string {
	header = strings.TrimSpace(header)
	start := strings.Index(header, "<")
	if start < 0 {
		return header
	}
	end := strings.Index(header[start:], ">")
	if end < 0 {
		return header[start:]
	}
	return header[start : start+end+1]
}

// NormalizeAddress lowercases an address and strips surrounding brackets and spaces.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(address), "<>"))
}

// formatAddress formats an IMAP address as a bare, normalized address.
func formatAddress(address *imap.Address) string {
	if address == nil {
		return ""
	}

	if address.MailboxName == "" || address.HostName == "" {
		return ""
	}

	return NormalizeAddress(address.MailboxName + "@" + address.HostName)
}

// formatAddressList formats a list of IMAP addresses, skipping group markers.
func formatAddressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		result = appendAddress(result, formatAddress(address))
	}
	return result
}

func appendAddress(list []string, address string) []string {
	address = NormalizeAddress(address)
	if address == "" {
		return list
	}
	return append(list, address)
}
