package ingest

import (
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "report.pdf", "report.pdf"},
		{"empty", "", "attachment"},
		{"unix traversal", "../../etc/passwd", "passwd"},
		{"windows path", `C:\Users\me\invoice.pdf`, "invoice.pdf"},
		{"colon", "a:b.txt", "a_b.txt"},
		{"control characters", "bad\x07name\n.txt", "badname.txt"},
		{"hidden file", ".bashrc", "bashrc"},
		{"only dots", "...", "attachment"},
		{"unicode", "számla.pdf", "számla.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeFilename(tt.input))
		})
	}

	t.Run("long names keep their extension", func(t *testing.T) {
		got := SanitizeFilename(strings.Repeat("é", 200) + ".pdf")
		assert.LessOrEqual(t, len(got), maxFilenameLength)
		assert.True(t, strings.HasSuffix(got, ".pdf"))
		assert.True(t, utf8.ValidString(got))
	})
}

func TestExtract(t *testing.T) {
	fs := afero.NewMemMapFs()
	extractor := NewExtractor(fs, "/var/mailsync", zerolog.Nop())

	parts := []models.DraftPart{
		{Filename: "notes.txt", ContentType: "text/plain", Content: []byte("hello")},
		{Filename: "", ContentType: "application/octet-stream", Content: []byte{1, 2, 3}},
		{Filename: "../escape.sh", ContentType: "text/x-sh", Content: []byte("#!/bin/sh")},
	}

	attachments := extractor.Extract("owner-1", "mailbox-1", "mail-1", parts)
	require.Len(t, attachments, 3)

	dir := filepath.Join("/var/mailsync", "owner-1", "mailbox-1")
	for i, a := range attachments {
		assert.Equal(t, "mail-1", a.MailID)
		assert.Equal(t, dir, filepath.Dir(a.Path), "attachment %d escaped its directory", i)
		assert.Equal(t, int64(len(parts[i].Content)), a.SizeBytes)

		content, err := afero.ReadFile(fs, a.Path)
		require.NoError(t, err)
		assert.Equal(t, parts[i].Content, content)
	}

	assert.Equal(t, "attachment", attachments[1].Filename)
	assert.True(t, strings.HasSuffix(attachments[2].Path, "-escape.sh"))
}

func TestExtractSkipsUnwritableParts(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	extractor := NewExtractor(fs, "/var/mailsync", zerolog.Nop())

	attachments := extractor.Extract("owner-1", "mailbox-1", "mail-1", []models.DraftPart{
		{Filename: "a.txt", Content: []byte("a")},
	})
	assert.Empty(t, attachments)
}

func TestExtractWithoutParts(t *testing.T) {
	extractor := NewExtractor(afero.NewMemMapFs(), "/", zerolog.Nop())
	assert.Nil(t, extractor.Extract("owner-1", "mailbox-1", "mail-1", nil))
}
