package imap

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartMessage = `From: Alice <Alice@Example.com>
To: bob@example.com, Carol <carol@example.com>
Cc: dave@example.com
Subject: Quarterly report
Date: Wed, 01 May 2024 10:00:00 +0000
Message-ID: <report-1@example.com>
In-Reply-To: <request-1@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b1"

--b1
Content-Type: text/plain; charset=utf-8

See attached.
--b1
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQ=
--b1
Content-Type: image/png
Content-Disposition: inline; filename="logo.png"
Content-ID: <logo@example.com>
Content-Transfer-Encoding: base64

iVBORw0KGgo=
--b1--
`

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func newFetchedMessage(uid uint32, envelope *imap.Envelope, raw string) *imap.Message {
	msg := &imap.Message{
		Uid:          uid,
		Envelope:     envelope,
		InternalDate: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
		Body:         map[*imap.BodySectionName]imap.Literal{},
	}
	if raw != "" {
		msg.Body[&imap.BodySectionName{}] = bytes.NewBufferString(crlf(raw))
	}
	return msg
}

func reportEnvelope() *imap.Envelope {
	return &imap.Envelope{
		Date:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Subject:   "Quarterly report",
		From:      []*imap.Address{{PersonalName: "Alice", MailboxName: "Alice", HostName: "Example.com"}},
		To:        []*imap.Address{{MailboxName: "bob", HostName: "example.com"}, {PersonalName: "Carol", MailboxName: "carol", HostName: "example.com"}},
		Cc:        []*imap.Address{{MailboxName: "dave", HostName: "example.com"}},
		InReplyTo: "<request-1@example.com>",
		MessageId: "<report-1@example.com>",
	}
}

func TestParseDraft(t *testing.T) {
	t.Run("envelope and multipart body", func(t *testing.T) {
		draft, err := ParseDraft(newFetchedMessage(17, reportEnvelope(), multipartMessage))
		require.NoError(t, err)

		assert.Equal(t, uint32(17), draft.UID)
		assert.Equal(t, "<report-1@example.com>", draft.MessageIDHeader)
		assert.Equal(t, "<request-1@example.com>", draft.InReplyTo)
		assert.Equal(t, "Quarterly report", draft.Subject)
		assert.Equal(t, "alice@example.com", draft.From)
		assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, draft.To)
		assert.Equal(t, []string{"dave@example.com"}, draft.CC)
		require.NotNil(t, draft.SentAt)
		assert.True(t, draft.SentAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
		require.NotNil(t, draft.ReceivedAt)
		assert.True(t, draft.ReceivedAt.Equal(time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)))
		assert.Contains(t, draft.BodyText, "See attached.")
		assert.NotEmpty(t, draft.Hash1)
		assert.NotEmpty(t, draft.Hash2)

		require.Len(t, draft.Parts, 2)
		byName := make(map[string]int)
		for i, p := range draft.Parts {
			byName[p.Filename] = i
		}

		pdf := draft.Parts[byName["report.pdf"]]
		assert.False(t, pdf.IsInline)
		assert.Equal(t, "application/pdf", pdf.ContentType)
		assert.Equal(t, []byte("%PDF-1.4"), pdf.Content)

		logo := draft.Parts[byName["logo.png"]]
		assert.True(t, logo.IsInline)
		assert.Equal(t, "logo@example.com", logo.ContentID)
	})

	t.Run("headers from the body when the envelope is missing", func(t *testing.T) {
		draft, err := ParseDraft(newFetchedMessage(3, nil, multipartMessage))
		require.NoError(t, err)

		assert.Equal(t, "<report-1@example.com>", draft.MessageIDHeader)
		assert.Equal(t, "<request-1@example.com>", draft.InReplyTo)
		assert.Equal(t, "alice@example.com", draft.From)
		assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, draft.To)
		assert.Equal(t, []string{"dave@example.com"}, draft.CC)
		require.NotNil(t, draft.SentAt)
		assert.True(t, draft.SentAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	})

	t.Run("internal date when the message has no date", func(t *testing.T) {
		envelope := reportEnvelope()
		envelope.Date = time.Time{}

		draft, err := ParseDraft(newFetchedMessage(4, envelope, ""))
		require.NoError(t, err)
		require.NotNil(t, draft.SentAt)
		assert.True(t, draft.SentAt.Equal(time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)))
		assert.Empty(t, draft.Parts)
	})

	t.Run("neither envelope nor body", func(t *testing.T) {
		_, err := ParseDraft(newFetchedMessage(5, nil, ""))
		assert.Error(t, err)
	})

	t.Run("nil message", func(t *testing.T) {
		_, err := ParseDraft(nil)
		assert.Error(t, err)
	})
}

func TestDraftHashes(t *testing.T) {
	first, err := ParseDraft(newFetchedMessage(1, reportEnvelope(), multipartMessage))
	require.NoError(t, err)

	// The same message under another UID, e.g. in another folder.
	second, err := ParseDraft(newFetchedMessage(99, reportEnvelope(), multipartMessage))
	require.NoError(t, err)
	assert.Equal(t, first.Key(), second.Key())

	edited, err := ParseDraft(newFetchedMessage(1, reportEnvelope(), strings.Replace(multipartMessage, "See attached.", "See attachment.", 1)))
	require.NoError(t, err)
	assert.Equal(t, first.Hash1, edited.Hash1)
	assert.NotEqual(t, first.Hash2, edited.Hash2)

	envelope := reportEnvelope()
	envelope.Subject = "Another subject"
	renamed, err := ParseDraft(newFetchedMessage(1, envelope, multipartMessage))
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash1, renamed.Hash1)
}

func TestFirstMessageID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"<a@x>", "<a@x>"},
		{"  <a@x> <b@x>", "<a@x>"},
		{"Your message of Monday <a@x>", "<a@x>"},
		{"a@x", "a@x"},
		{"<broken@x", "<broken@x"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, firstMessageID(tt.input), "input %q", tt.input)
	}
}

func TestFormatAddress(t *testing.T) {
	t.Run("drops personal name and lowercases", func(t *testing.T) {
		address := &imap.Address{PersonalName: "John Doe", MailboxName: "John", HostName: "Example.COM"}
		assert.Equal(t, "john@example.com", formatAddress(address))
	})

	t.Run("returns empty string for nil address", func(t *testing.T) {
		assert.Equal(t, "", formatAddress(nil))
	})

	t.Run("returns empty string for group markers", func(t *testing.T) {
		assert.Equal(t, "", formatAddress(&imap.Address{MailboxName: "undisclosed-recipients"}))
	})

	t.Run("list skips empty entries", func(t *testing.T) {
		list := formatAddressList([]*imap.Address{
			{MailboxName: "a", HostName: "x.com"},
			{MailboxName: "group"},
			{MailboxName: "b", HostName: "x.com"},
		})
		assert.Equal(t, []string{"a@x.com", "b@x.com"}, list)
	})
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "a@example.com", NormalizeAddress(" <A@Example.com> "))
	assert.Equal(t, "", NormalizeAddress("  "))
}
