package models

import "time"

// HashKey is the dedup fingerprint of a message: two independently derived content hashes.
type HashKey struct {
	Hash1 string
	Hash2 string
}

// EmailAddress is an interned address, shared by every mail referencing it.
type EmailAddress struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Mail is a persisted message.
// UpstreamID points at the mail this one was attached to in its reply chain.
// ReplyID is the single downstream reply and is set at most once, together with HasReply.
type Mail struct {
	ID              string       `json:"id"`
	MailboxID       string       `json:"mailbox_id"`
	FolderID        string       `json:"folder_id"`
	IMAPUID         uint32       `json:"imap_uid"`
	UIDValidity     uint32       `json:"uid_validity"`
	MessageIDHeader string       `json:"message_id_header"`
	InReplyTo       string       `json:"in_reply_to"`
	Hash1           string       `json:"hash1"`
	Hash2           string       `json:"hash2"`
	SenderID        *string      `json:"sender_id"`
	ToIDs           []string     `json:"to_ids"`
	CCIDs           []string     `json:"cc_ids"`
	Subject         string       `json:"subject"`
	BodyText        string       `json:"body_text"`
	BodyHTML        string       `json:"body_html"`
	SentAt          *time.Time   `json:"sent_at"`
	UpstreamID      *string      `json:"upstream_id"`
	HasReply        bool         `json:"has_reply"`
	ReplyID         *string      `json:"reply_id"`
	Attachments     []Attachment `json:"attachments,omitempty"`
}

// Key returns the dedup fingerprint of the mail.
func (m *Mail) Key() HashKey {
	return HashKey{Hash1: m.Hash1, Hash2: m.Hash2}
}

type Attachment struct {
	ID        string `json:"id"`
	MailID    string `json:"mail_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Path      string `json:"path"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
}

// DraftPart is a MIME part of a downloaded message that still has to be written to disk.
type DraftPart struct {
	Filename    string
	ContentType string
	ContentID   string
	IsInline    bool
	Content     []byte
}

// MailDraft is an unpersisted message as produced by the protocol session.
type MailDraft struct {
	UID             uint32
	MessageIDHeader string
	InReplyTo       string
	From            string
	To              []string
	CC              []string
	Subject         string
	BodyText        string
	BodyHTML        string
	SentAt          *time.Time
	// ReceivedAt is the server's INTERNALDATE, which SEARCH SINCE compares against.
	ReceivedAt *time.Time
	Hash1      string
	Hash2      string
	Parts      []DraftPart
}

// Key returns the dedup fingerprint of the draft.
func (d *MailDraft) Key() HashKey {
	return HashKey{Hash1: d.Hash1, Hash2: d.Hash2}
}

// ReplyLink attaches Reply to the tail mail of an already persisted chain.
type ReplyLink struct {
	TailID  string
	ReplyID string
}

// FolderMove records a known mail that was seen again in another folder.
type FolderMove struct {
	MailID   string
	FolderID string
}

// MailBatch is one unit of work for the store: everything is written in one transaction.
type MailBatch struct {
	Mails []*Mail
	Links []ReplyLink
	Moves []FolderMove
}
