package models

import (
	"time"
)

// AuthMode selects how a mailbox authenticates against its IMAP server.
type AuthMode string

const (
	AuthModePassword AuthMode = "password"
	AuthModeOAuth    AuthMode = "oauth"
)

// Security is the transport security used to reach the IMAP server.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// Mailbox is a configured remote account being synchronized.
type Mailbox struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Username          string     `json:"username"`
	Host              string     `json:"host"`
	Port              int        `json:"port"`
	Security          Security   `json:"security"`
	AuthMode          AuthMode   `json:"auth_mode"`
	EncryptedPassword string     `json:"-"`
	NeedsReauth       bool       `json:"needs_reauth"`
	LastSyncedAt      *time.Time `json:"last_synced_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Credential holds the encrypted OAuth tokens of a mailbox.
type Credential struct {
	ID                    string    `json:"id"`
	MailboxID             string    `json:"mailbox_id"`
	Provider              string    `json:"provider"`
	EncryptedAccessToken  string    `json:"-"`
	EncryptedRefreshToken string    `json:"-"`
	ExpiresAt             time.Time `json:"expires_at"`
	NeedsReauth           bool      `json:"needs_reauth"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Expired reports whether the access token is expired at now, allowing for skew.
func (c *Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// Cursor marks sync progress within a folder.
// A zero UIDValidity means the folder was never synced.
type Cursor struct {
	LastUID     uint32     `json:"last_uid"`
	UIDValidity uint32     `json:"uid_validity"`
	LastSeenAt  *time.Time `json:"last_seen_at"`
}

// Folder is a named, possibly nested, mail container belonging to a mailbox.
// Path is slash-delimited regardless of the server's hierarchy delimiter.
type Folder struct {
	ID        string    `json:"id"`
	MailboxID string    `json:"mailbox_id"`
	ParentID  *string   `json:"parent_id"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Cursor    Cursor    `json:"cursor"`
	CreatedAt time.Time `json:"created_at"`
}
